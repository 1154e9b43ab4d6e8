package sipendpoint

import (
	"context"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// Dialer builds and sends the raw SIP requests an outgoing call needs:
// INVITE, its ACK, CANCEL, and an authenticated INVITE retry. Grounded
// directly on the teacher's services/signaling/b2bua/originator.go
// (buildINVITE/executeINVITE/sendACK/sendCANCEL), generalized from a B2BUA
// leg to a standalone outgoing call.
type Dialer struct {
	endpoint *Endpoint
}

// NewDialer returns a Dialer bound to this endpoint's client and contact.
func (e *Endpoint) NewDialer() *Dialer {
	return &Dialer{endpoint: e}
}

// GenerateCallID produces a fresh SIP Call-ID, matching the teacher's
// uuid.New().String() convention.
func GenerateCallID() string { return uuid.New().String() }

// GenerateTag produces a fresh From/To tag.
func GenerateTag() string { return uuid.New().String()[:8] }

// BuildInvite constructs the initial INVITE for an outgoing call: Max-
// Forwards, From (with localTag), To, Call-ID, CSeq, Contact, Content-Type
// and SDP body — the exact header sequence from originator.go's
// buildINVITE.
func (d *Dialer) BuildInvite(from, to, callID, localTag string, sdpBody []byte) (*sip.Request, error) {
	targetURI, err := sip.ParseUri(to)
	if err != nil {
		return nil, fmt.Errorf("parse target uri %q: %w", to, err)
	}

	fromURI, err := sip.ParseUri(from)
	if err != nil {
		return nil, fmt.Errorf("parse from uri %q: %w", from, err)
	}

	invite := sip.NewRequest(sip.INVITE, targetURI)
	invite.AppendHeader(&sip.MaxForwardsHeader{MaxForwards: 70})
	invite.AppendHeader(&sip.FromHeader{
		Address: fromURI,
		Params:  sip.NewParams().Add("tag", localTag),
	})
	invite.AppendHeader(&sip.ToHeader{Address: targetURI})
	invite.AppendHeader(&sip.CallIDHeader{Value: callID})
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	contact := d.endpoint.Contact()
	invite.AppendHeader(&contact)
	invite.SetBody(sdpBody)
	invite.AppendHeader(&sip.ContentTypeHeader{Value: "application/sdp"})

	return invite, nil
}

// BuildAuthorizedInvite clones the original INVITE, bumps CSeq per RFC 3261
// §22.2, and appends the challenge response under headerName ("Authorization"
// for a 401, "Proxy-Authorization" for a 407), matching flowpbx-flowpbx's
// handleTrunkAuth resend pattern.
func (d *Dialer) BuildAuthorizedInvite(original *sip.Request, headerName, authHeaderValue string) *sip.Request {
	retry := original.Clone()
	if cseq := retry.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	retry.RemoveHeader("Via")
	retry.AppendHeader(sip.NewHeader(headerName, authHeaderValue))
	return retry
}

// SendInvite issues the INVITE transaction and returns the client
// transaction so the caller can select over Responses()/Done().
func (d *Dialer) SendInvite(ctx context.Context, invite *sip.Request) (sip.ClientTransaction, error) {
	return d.endpoint.client.TransactionRequest(ctx, invite)
}

// BuildACK constructs the RFC 3261 §13.2.2.4 ACK for a 2xx response,
// grounded verbatim on originator.go's sendACK: Request-URI from the
// response's Contact (falling back to the INVITE's recipient), From/Call-ID
// copied from the INVITE, To with the tag from the response, same CSeq
// number with method ACK.
func (d *Dialer) BuildACK(invite *sip.Request, resp *sip.Response) *sip.Request {
	recipient := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		recipient = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, recipient)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)

	toHeader := resp.To()
	ack.AppendHeader(&sip.ToHeader{Address: toHeader.Address, Params: toHeader.Params})

	seq := uint32(1)
	if cseq := invite.CSeq(); cseq != nil {
		seq = cseq.SeqNo
	}
	ack.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.ACK})
	ack.AppendHeader(&sip.MaxForwardsHeader{MaxForwards: 70})

	if dest := destinationFromResponse(resp); dest != "" {
		ack.SetDestination(dest)
	}

	return ack
}

// SendACK writes the ACK directly over the existing transport connection
// rather than opening a new transaction, matching client.WriteRequest in
// originator.go.
func (d *Dialer) SendACK(ack *sip.Request) error {
	return d.endpoint.client.WriteRequest(ack)
}

// BuildCANCEL constructs a CANCEL for an in-flight INVITE: same Via/From/
// To/Call-ID/CSeq number as the INVITE, method CANCEL.
func (d *Dialer) BuildCANCEL(invite *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancel)
	sip.CopyHeaders("From", invite, cancel)
	sip.CopyHeaders("To", invite, cancel)
	sip.CopyHeaders("Call-ID", invite, cancel)

	seq := uint32(1)
	if cseq := invite.CSeq(); cseq != nil {
		seq = cseq.SeqNo
	}
	cancel.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.CANCEL})
	cancel.AppendHeader(&sip.MaxForwardsHeader{MaxForwards: 70})

	return cancel
}

// SendCANCEL issues the CANCEL transaction.
func (d *Dialer) SendCANCEL(ctx context.Context, cancel *sip.Request) (sip.ClientTransaction, error) {
	return d.endpoint.client.TransactionRequest(ctx, cancel)
}

// destinationFromResponse resolves where the ACK must be written: the
// response's reported source address when present, else the response's Via
// host/port with its received/rport params taking precedence.
func destinationFromResponse(resp *sip.Response) string {
	if src := resp.Source(); src != "" {
		return src
	}
	via := resp.Via()
	if via == nil {
		return ""
	}
	host := via.Host
	if received, ok := via.Params.Get("received"); ok && received != "" {
		host = received
	}
	port := via.Port
	if rport, ok := via.Params.Get("rport"); ok && rport != "" {
		return fmt.Sprintf("%s:%s", host, rport)
	}
	return fmt.Sprintf("%s:%d", host, port)
}
