package callmgr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/emiago/sipgo/sip"

	"github.com/sipbridge/gateway/internal/model"
	"github.com/sipbridge/gateway/internal/rtpengine"
)

// fakeClientTransaction is a sip.ClientTransaction test double, grounded on
// arzzra-soft_phone/pkg/dialog/mocks_test.go's mockClientTransaction.
type fakeClientTransaction struct {
	responses chan *sip.Response
	done      chan struct{}
}

func newFakeClientTransaction() *fakeClientTransaction {
	return &fakeClientTransaction{responses: make(chan *sip.Response, 4), done: make(chan struct{})}
}

func (f *fakeClientTransaction) Responses() <-chan *sip.Response { return f.responses }
func (f *fakeClientTransaction) Err() error                      { return nil }
func (f *fakeClientTransaction) Ack(req *sip.Request) error      { return nil }
func (f *fakeClientTransaction) Cancel() error                   { return nil }
func (f *fakeClientTransaction) Close() error                    { return nil }
func (f *fakeClientTransaction) Done() <-chan struct{}            { return f.done }
func (f *fakeClientTransaction) OnTerminate(fn sip.FnTxTerminate) bool { return false }
func (f *fakeClientTransaction) Request() *sip.Request            { return nil }
func (f *fakeClientTransaction) Terminate()                       {}
func (f *fakeClientTransaction) OnRetransmission(fn sip.FnTxResponse) bool { return false }

// fakeDialer is an inviteDialer test double that records every INVITE it is
// asked to send and hands back a fresh fakeClientTransaction per send, so
// tests can assert on CSeq/header state without a live sipgo transport.
type fakeDialer struct {
	sent      []*sip.Request
	sendErr   error
	lastTx    *fakeClientTransaction
	ackCount  int
	cancelled int
}

func (d *fakeDialer) BuildInvite(from, to, callID, localTag string, sdpBody []byte) (*sip.Request, error) {
	targetURI, _ := sip.ParseUri(to)
	fromURI, _ := sip.ParseUri(from)
	invite := sip.NewRequest(sip.INVITE, targetURI)
	invite.AppendHeader(&sip.FromHeader{Address: fromURI, Params: sip.NewParams().Add("tag", localTag)})
	invite.AppendHeader(&sip.ToHeader{Address: targetURI})
	invite.AppendHeader(&sip.CallIDHeader{Value: callID})
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	invite.SetBody(sdpBody)
	return invite, nil
}

func (d *fakeDialer) BuildAuthorizedInvite(original *sip.Request, headerName, authHeaderValue string) *sip.Request {
	retry := original.Clone()
	if cseq := retry.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	retry.AppendHeader(sip.NewHeader(headerName, authHeaderValue))
	return retry
}

func (d *fakeDialer) SendInvite(ctx context.Context, invite *sip.Request) (sip.ClientTransaction, error) {
	d.sent = append(d.sent, invite)
	if d.sendErr != nil {
		return nil, d.sendErr
	}
	tx := newFakeClientTransaction()
	d.lastTx = tx
	return tx, nil
}

func (d *fakeDialer) BuildACK(invite *sip.Request, resp *sip.Response) *sip.Request {
	return sip.NewRequest(sip.ACK, invite.Recipient)
}

func (d *fakeDialer) SendACK(ack *sip.Request) error {
	d.ackCount++
	return nil
}

func (d *fakeDialer) BuildCANCEL(invite *sip.Request) *sip.Request {
	return sip.NewRequest(sip.CANCEL, invite.Recipient)
}

func (d *fakeDialer) SendCANCEL(ctx context.Context, cancel *sip.Request) (sip.ClientTransaction, error) {
	d.cancelled++
	return newFakeClientTransaction(), nil
}

func newTestOutgoingCall(t *testing.T, dialer inviteDialer) *OutgoingCall {
	t.Helper()
	invite, err := dialer.BuildInvite("sip:alice@example.com", "sip:bob@example.com", "call-1", "tag-1", []byte("v=0"))
	if err != nil {
		t.Fatalf("BuildInvite: %v", err)
	}
	return &OutgoingCall{
		id:     model.InternalCallId("call-1"),
		dialer: dialer,
		auth:   &model.SipAuth{Username: "alice", Password: "secret"},
		log:    testLogger(),
		state:  outgoingCalling,
		invite: invite,
	}
}

func challengeResponse(t *testing.T, invite *sip.Request, code sip.StatusCode, challengeHeader string) *sip.Response {
	t.Helper()
	resp := sip.NewResponseFromRequest(invite, code, "", nil)
	resp.AppendHeader(sip.NewHeader(challengeHeader, `Digest realm="sip.example.com", nonce="abc123", algorithm=MD5`))
	return resp
}

// TestHandleChallengeIncrementsCSeq covers the maintainer-flagged RFC 3261
// §22.2 bug: a 401 retry must be built from the original INVITE with CSeq
// incremented, not a freshly-built INVITE restarting at CSeq 1.
func TestHandleChallengeIncrementsCSeq(t *testing.T) {
	d := &fakeDialer{}
	o := newTestOutgoingCall(t, d)
	originalInvite := o.invite

	resp := challengeResponse(t, o.invite, sip.StatusCode(401), "WWW-Authenticate")

	evt, terminal, err := o.handleChallenge(context.Background(), resp)
	if err != nil {
		t.Fatalf("handleChallenge: %v", err)
	}
	if terminal {
		t.Fatalf("expected non-terminal result, got terminal evt=%v", evt)
	}
	if !o.authFailed {
		t.Fatal("expected authFailed to be set after consuming the challenge")
	}

	if len(d.sent) != 1 {
		t.Fatalf("expected exactly one retry INVITE sent, got %d", len(d.sent))
	}
	retry := d.sent[0]
	if retry == originalInvite {
		t.Fatal("retry must be a new request, not the original invite")
	}
	if got := retry.CSeq().SeqNo; got != 2 {
		t.Fatalf("expected retry CSeq 2, got %d", got)
	}
	if h := retry.GetHeader("Authorization"); h == nil {
		t.Fatal("expected an Authorization header on the 401 retry")
	}
	if o.invite != retry {
		t.Fatal("OutgoingCall.invite must advance to the retry request")
	}
}

// TestHandleChallengeUsesProxyAuthorizationFor407 covers the maintainer-
// flagged header-name bug: a 407 challenge must be answered with
// Proxy-Authorization, not a hardcoded Authorization.
func TestHandleChallengeUsesProxyAuthorizationFor407(t *testing.T) {
	d := &fakeDialer{}
	o := newTestOutgoingCall(t, d)

	resp := challengeResponse(t, o.invite, sip.StatusCode(407), "Proxy-Authenticate")

	if _, _, err := o.handleChallenge(context.Background(), resp); err != nil {
		t.Fatalf("handleChallenge: %v", err)
	}

	retry := d.sent[0]
	if h := retry.GetHeader("Proxy-Authorization"); h == nil {
		t.Fatal("expected a Proxy-Authorization header on the 407 retry")
	}
	if h := retry.GetHeader("Authorization"); h != nil {
		t.Fatalf("did not expect an Authorization header, got %q", h.Value())
	}
}

// TestHandleChallengeTwiceFails covers spec.md §8's double-401 scenario: a
// second challenge after auth_failed is already set must terminate the call
// rather than retry indefinitely.
func TestHandleChallengeTwiceFails(t *testing.T) {
	d := &fakeDialer{}
	o := newTestOutgoingCall(t, d)

	first := challengeResponse(t, o.invite, sip.StatusCode(401), "WWW-Authenticate")
	if _, terminal, err := o.handleChallenge(context.Background(), first); err != nil || terminal {
		t.Fatalf("expected first challenge to be consumed, terminal=%v err=%v", terminal, err)
	}

	second := challengeResponse(t, o.invite, sip.StatusCode(401), "WWW-Authenticate")
	evt, terminal, err := o.handleChallenge(context.Background(), second)
	if err != nil {
		t.Fatalf("handleChallenge: %v", err)
	}
	if !terminal {
		t.Fatal("expected second challenge to terminate the call")
	}
	failure, ok := evt.(model.OutgoingEvent)
	if !ok {
		t.Fatalf("expected an OutgoingEvent, got %T", evt)
	}
	if failure.Type != "Failure" || failure.Code != int(sip.StatusCode(401)) {
		t.Fatalf("unexpected failure event %+v", failure)
	}
	if o.state != outgoingDestroyed {
		t.Fatal("expected state to be Destroyed after the second challenge")
	}
	if len(d.sent) != 1 {
		t.Fatalf("expected no additional retry sent, got %d total sends", len(d.sent))
	}
}

func TestHandleChallengeWithoutCredentialsFails(t *testing.T) {
	d := &fakeDialer{}
	o := newTestOutgoingCall(t, d)
	o.auth = nil

	resp := challengeResponse(t, o.invite, sip.StatusCode(401), "WWW-Authenticate")
	_, terminal, err := o.handleChallenge(context.Background(), resp)
	if err != nil {
		t.Fatalf("handleChallenge: %v", err)
	}
	if !terminal {
		t.Fatal("expected call to terminate with no configured credentials")
	}
	if len(d.sent) != 0 {
		t.Fatalf("expected no retry to be sent, got %d", len(d.sent))
	}
}

// TestOutgoingHappyPath creates the RTP offer and dispatches the INVITE by
// hand (the steps Start performs), then drives a provisional and a 2xx with
// an SDP answer body, against a fake dialer and an httptest-backed RTP
// engine, matching spec.md §8's outgoing happy-path scenario.
func TestOutgoingHappyPath(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rtpengine/offer", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/x/1")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("v=0..offer"))
	})
	mux.HandleFunc("/x/1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := &fakeDialer{}
	rtp := rtpengine.New(srv.URL, "tok", testLogger())
	o := &OutgoingCall{
		id:     model.InternalCallId("call-2"),
		dialer: d,
		rtp:    rtp,
		from:   "sip:alice@example.com",
		to:     "sip:bob@example.com",
		log:    testLogger(),
		state:  outgoingCalling,
	}

	sdp, err := rtp.CreateOffer(context.Background())
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	invite, err := d.BuildInvite(o.from, o.to, "call-2", "tag-2", sdp)
	if err != nil {
		t.Fatalf("BuildInvite: %v", err)
	}
	if err := o.dispatchInvite(context.Background(), invite); err != nil {
		t.Fatalf("dispatchInvite: %v", err)
	}

	provisional := sip.NewResponseFromRequest(o.invite, sip.StatusRinging, "Ringing", nil)
	evt, terminal, err := o.handleResponse(context.Background(), provisional)
	if err != nil || terminal {
		t.Fatalf("unexpected provisional result evt=%v terminal=%v err=%v", evt, terminal, err)
	}

	ok := sip.NewResponseFromRequest(o.invite, sip.StatusOK, "OK", []byte("v=0..answer"))
	evt, terminal, err = o.handleResponse(context.Background(), ok)
	if err != nil {
		t.Fatalf("handle 2xx: %v", err)
	}
	if terminal {
		t.Fatal("a successful 2xx must not be terminal")
	}
	accepted, isAccepted := evt.(model.OutgoingEvent)
	if !isAccepted || accepted.Type != "Accepted" {
		t.Fatalf("expected Accepted event, got %+v", evt)
	}
	if o.state != outgoingTalking {
		t.Fatal("expected state Talking after 2xx")
	}
	if d.ackCount != 1 {
		t.Fatalf("expected exactly one ACK sent, got %d", d.ackCount)
	}
}
