package callmgr

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/sipbridge/gateway/internal/callerr"
	"github.com/sipbridge/gateway/internal/model"
	"github.com/sipbridge/gateway/internal/rtpengine"
	"github.com/sipbridge/gateway/internal/sipendpoint"
)

// inviteDialer is the wire-level surface OutgoingCall drives; *sipendpoint.Dialer
// satisfies it. Kept as an interface (rather than a concrete type) so tests
// can exercise the state machine's auth-retry and response handling against
// a fake SIP transaction without a live sipgo transport.
type inviteDialer interface {
	BuildInvite(from, to, callID, localTag string, sdpBody []byte) (*sip.Request, error)
	BuildAuthorizedInvite(original *sip.Request, headerName, authHeaderValue string) *sip.Request
	SendInvite(ctx context.Context, invite *sip.Request) (sip.ClientTransaction, error)
	BuildACK(invite *sip.Request, resp *sip.Response) *sip.Request
	SendACK(ack *sip.Request) error
	BuildCANCEL(invite *sip.Request) *sip.Request
	SendCANCEL(ctx context.Context, cancel *sip.Request) (sip.ClientTransaction, error)
}

type outgoingState int

const (
	outgoingCalling outgoingState = iota
	outgoingEarly
	outgoingTalking
	outgoingDestroyed
)

// OutgoingCall is the outgoing-call state machine (C4): dialing → optional
// auth retry → provisional/early/established → terminated. Grounded
// directly on the teacher's services/signaling/b2bua/originator.go for the
// wire-level construction, and on original_source's sip/server/outgoing.rs
// for the auth_failed / state-transition rules.
type OutgoingCall struct {
	id        model.InternalCallId
	endpoint  *sipendpoint.Endpoint
	dialer    inviteDialer
	rtp       *rtpengine.Offer
	auth      *model.SipAuth
	from, to  string
	log       *slog.Logger

	state      outgoingState
	authFailed bool

	sipCallID string
	localTag  string
	invite    *sip.Request
	tx        sip.ClientTransaction
	signals   <-chan sipendpoint.Signal
}

// NewOutgoingCall constructs an outgoing call against the given SIP
// endpoint. It does not send any packets; the supervisor's Start drives
// that.
func NewOutgoingCall(id model.InternalCallId, endpoint *sipendpoint.Endpoint, rtp *rtpengine.Offer, from, to string, auth *model.SipAuth, log *slog.Logger) *OutgoingCall {
	return &OutgoingCall{
		id:       id,
		endpoint: endpoint,
		dialer:   endpoint.NewDialer(),
		rtp:      rtp,
		auth:     auth,
		from:     from,
		to:       to,
		log:      log,
		state:    outgoingCalling,
	}
}

func (o *OutgoingCall) Direction() model.CallDirection { return model.DirectionOutgoing }

// Start ensures an RTP offer exists, constructs the initial INVITE with the
// offer SDP as body, and sends it.
func (o *OutgoingCall) Start(ctx context.Context) error {
	sdp, err := o.rtp.CreateOffer(ctx)
	if err != nil {
		return err
	}

	o.sipCallID = sipendpoint.GenerateCallID()
	o.localTag = sipendpoint.GenerateTag()
	o.signals = o.endpoint.RegisterCallID(o.sipCallID)

	invite, err := o.dialer.BuildInvite(o.from, o.to, o.sipCallID, o.localTag, sdp)
	if err != nil {
		return callerr.SipTransport(err)
	}
	return o.dispatchInvite(ctx, invite)
}

func (o *OutgoingCall) dispatchInvite(ctx context.Context, invite *sip.Request) error {
	tx, err := o.dialer.SendInvite(ctx, invite)
	if err != nil {
		return callerr.SipTransport(err)
	}

	o.invite = invite
	o.tx = tx
	return nil
}

// Recv awaits the next event per spec.md §4.4: either the INVITE
// transaction's responses (Calling/Early) or an in-dialog BYE (Talking).
func (o *OutgoingCall) Recv(ctx context.Context) (any, bool, error) {
	switch o.state {
	case outgoingDestroyed:
		return nil, true, nil

	case outgoingTalking:
		select {
		case sig, ok := <-o.signals:
			if !ok {
				o.state = outgoingDestroyed
				return nil, true, nil
			}
			if sig.Kind == sipendpoint.SignalBYE {
				resp := sip.NewResponseFromRequest(sig.Request, sip.StatusOK, "OK", nil)
				_ = sig.Tx.Respond(resp)
				o.state = outgoingDestroyed
				return model.OutgoingBye(), true, nil
			}
			return nil, false, nil
		case <-ctx.Done():
			o.state = outgoingDestroyed
			return nil, true, ctx.Err()
		}

	default: // Calling or Early
		select {
		case resp, ok := <-o.tx.Responses():
			if !ok {
				return nil, false, nil
			}
			return o.handleResponse(ctx, resp)
		case <-o.tx.Done():
			o.state = outgoingDestroyed
			return model.OutgoingFailure(0), true, fmt.Errorf("sip transaction terminated without final response")
		case <-ctx.Done():
			o.state = outgoingDestroyed
			return nil, true, ctx.Err()
		}
	}
}

func (o *OutgoingCall) handleResponse(ctx context.Context, resp *sip.Response) (any, bool, error) {
	code := int(resp.StatusCode)

	switch {
	case code < 200 && (code == 180 || code == 181):
		return model.OutgoingProvisional(code), false, nil

	case code < 200 && code == 183:
		o.state = outgoingEarly
		return model.OutgoingEarly(code), false, nil

	case code < 200:
		return nil, false, nil

	case code < 300:
		return o.handle2xx(ctx, resp)

	case code == 401 || code == 407:
		return o.handleChallenge(ctx, resp)

	default:
		o.state = outgoingDestroyed
		return model.OutgoingFailure(code), true, nil
	}
}

func (o *OutgoingCall) handle2xx(ctx context.Context, resp *sip.Response) (any, bool, error) {
	ack := o.dialer.BuildACK(o.invite, resp)
	if err := o.dialer.SendACK(ack); err != nil {
		o.state = outgoingDestroyed
		return model.OutgoingFailure(int(resp.StatusCode)), true, callerr.SipTransport(err)
	}

	if body := resp.Body(); len(body) > 0 {
		if err := o.rtp.SetAnswer(ctx, body); err != nil {
			o.log.Error("[OutgoingCall] SetAnswer failed after 2xx, terminating call", "call_id", o.id, "error", err)
			o.sendBye(ctx, resp)
			o.state = outgoingDestroyed
			return model.OutgoingFailure(int(resp.StatusCode)), true, err
		}
	}

	o.state = outgoingTalking
	return model.OutgoingAccepted(int(resp.StatusCode)), false, nil
}

// handleChallenge implements the auth retry rule: a 401/407 in Calling with
// auth_failed=false and credentials configured consumes the challenge and
// resends; anything else is fatal (spec.md §4.4, original_source
// sip/server/outgoing.rs's auth_failed flag).
func (o *OutgoingCall) handleChallenge(ctx context.Context, resp *sip.Response) (any, bool, error) {
	code := int(resp.StatusCode)

	if o.authFailed || o.auth == nil {
		o.state = outgoingDestroyed
		return model.OutgoingFailure(code), true, nil
	}

	authHeaderName, authHeader, err := o.buildAuthorizationHeader(resp)
	if err != nil {
		o.log.Error("[OutgoingCall] Failed to build digest authorization", "call_id", o.id, "error", err)
		o.state = outgoingDestroyed
		return model.OutgoingFailure(code), true, nil
	}

	o.authFailed = true
	retry := o.dialer.BuildAuthorizedInvite(o.invite, authHeaderName, authHeader)
	if err := o.dispatchInvite(ctx, retry); err != nil {
		o.state = outgoingDestroyed
		return model.OutgoingFailure(code), true, err
	}
	return nil, false, nil
}

// buildAuthorizationHeader computes the digest credential for a 401/407
// challenge and returns the header name the retry INVITE must carry it
// under: "Authorization" for WWW-Authenticate, "Proxy-Authorization" for
// Proxy-Authenticate, per RFC 3261 §22.3/§22.4.
func (o *OutgoingCall) buildAuthorizationHeader(resp *sip.Response) (string, string, error) {
	headerName := "WWW-Authenticate"
	authHeaderName := "Authorization"
	if resp.StatusCode == 407 {
		headerName = "Proxy-Authenticate"
		authHeaderName = "Proxy-Authorization"
	}

	challengeHeader := resp.GetHeader(headerName)
	if challengeHeader == nil {
		return "", "", fmt.Errorf("missing %s header on %d response", headerName, resp.StatusCode)
	}

	chal, err := digest.ParseChallenge(challengeHeader.Value())
	if err != nil {
		return "", "", fmt.Errorf("parse digest challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   string(o.invite.Method),
		URI:      o.invite.Recipient.String(),
		Username: o.auth.Username,
		Password: o.auth.Password,
	})
	if err != nil {
		return "", "", fmt.Errorf("compute digest: %w", err)
	}

	return authHeaderName, cred.String(), nil
}

// HandleAction: outgoing calls accept no out-of-band actions per spec.md
// §4.4/§4.6 (actions are an incoming-call concept).
func (o *OutgoingCall) HandleAction(ctx context.Context, req model.CallActionRequest) error {
	return callerr.NotImplemented()
}

// End implements the cancellation rule: CANCEL in Calling/Early, BYE in
// Talking, no-op in Destroyed. Idempotent.
func (o *OutgoingCall) End(ctx context.Context) {
	switch o.state {
	case outgoingCalling, outgoingEarly:
		if o.invite != nil {
			cancel := o.dialer.BuildCANCEL(o.invite)
			if _, err := o.dialer.SendCANCEL(ctx, cancel); err != nil {
				o.log.Warn("[OutgoingCall] Failed to send CANCEL", "call_id", o.id, "error", err)
			}
		}
		o.state = outgoingDestroyed
	case outgoingTalking:
		o.sendBye(ctx, nil)
		o.state = outgoingDestroyed
	case outgoingDestroyed:
		// no-op
	}
}

func (o *OutgoingCall) sendBye(ctx context.Context, lastResponse *sip.Response) {
	if o.invite == nil {
		return
	}
	bye := o.dialer.BuildCANCEL(o.invite) // header-copy shape is identical to CANCEL's; method swapped below
	bye.Method = sip.BYE
	if cseq := bye.CSeq(); cseq != nil {
		cseq.MethodName = sip.BYE
	}
	if _, err := o.dialer.SendCANCEL(ctx, bye); err != nil {
		o.log.Warn("[OutgoingCall] Failed to send BYE", "call_id", o.id, "error", err)
	}
}

// Close releases the RTP allocation and the in-dialog signal routing
// registration. Safe to call multiple times.
func (o *OutgoingCall) Close(ctx context.Context) {
	o.endpoint.UnregisterCallID(o.sipCallID)
	if err := o.rtp.Close(ctx); err != nil {
		o.log.Warn("[OutgoingCall] RTP engine cleanup failed", "call_id", o.id, "error", err)
	}
}
