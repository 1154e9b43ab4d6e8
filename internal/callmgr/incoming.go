package callmgr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sipbridge/gateway/internal/callerr"
	"github.com/sipbridge/gateway/internal/hook"
	"github.com/sipbridge/gateway/internal/model"
	"github.com/sipbridge/gateway/internal/rtpengine"
	"github.com/sipbridge/gateway/internal/sipendpoint"
)

type incomingState int

const (
	incAwaitingHook incomingState = iota
	incRinging
	incTalking
	incDestroyed
)

type pendingEvent struct {
	event    any
	terminal bool
}

// IncomingCall is the incoming-call state machine (C5): INVITE received →
// 100 Trying → decision hook → {ring, accept, reject} → established →
// terminated. Grounded on original_source's call_manager/incoming_call.rs
// run_call_loop, expressed with the teacher's dialog.Manager session
// primitives (ReadInvite/RespondSDP/ReadAck/ReadBye/Bye).
type IncomingCall struct {
	id       model.InternalCallId
	endpoint *sipendpoint.Endpoint
	hookClient *hook.Client
	hookURL  string
	from, to string
	log      *slog.Logger

	sipCallID string
	req       *sip.Request
	tx        sip.ServerTransaction
	session   *sipgo.DialogServerSession
	rtp       *rtpengine.Offer

	state         incomingState
	signals       <-chan sipendpoint.Signal
	pendingEvents chan pendingEvent
}

// NewIncomingCall wraps an admitted INVITE into the incoming-call state
// machine.
func NewIncomingCall(id model.InternalCallId, endpoint *sipendpoint.Endpoint, invite *sipendpoint.IncomingInvite, hookClient *hook.Client, hookURL string, log *slog.Logger) *IncomingCall {
	return &IncomingCall{
		id:            id,
		endpoint:      endpoint,
		hookClient:    hookClient,
		hookURL:       hookURL,
		from:          invite.From,
		to:            invite.To,
		sipCallID:     invite.CallID,
		req:           invite.Request,
		tx:            invite.Tx,
		log:           log,
		state:         incAwaitingHook,
		pendingEvents: make(chan pendingEvent, 4),
	}
}

func (i *IncomingCall) Direction() model.CallDirection { return model.DirectionIncoming }

// Start sends 100 Trying, runs the synchronous decision hook, and dispatches
// the resulting action, per spec.md §4.5 steps 1-3.
func (i *IncomingCall) Start(ctx context.Context) error {
	i.signals = i.endpoint.RegisterCallID(i.sipCallID)

	trying := sip.NewResponseFromRequest(i.req, sip.StatusTrying, "Trying", nil)
	if err := i.tx.Respond(trying); err != nil {
		return callerr.SipTransport(err)
	}

	decision, err := i.hookClient.RequestIncomingDecision(ctx, i.hookURL, model.HookIncomingCallRequest{
		CallID: i.id,
		From:   i.from,
		To:     i.to,
	})
	if err != nil {
		return callerr.Hook(err)
	}

	return i.dispatchAction(ctx, decision.Action, decision.Stream)
}

func (i *IncomingCall) dispatchAction(ctx context.Context, action model.CallAction, stream *model.StreamingInfo) error {
	switch action {
	case model.ActionTrying:
		i.state = incAwaitingHook
		return nil

	case model.ActionRing:
		resp := sip.NewResponseFromRequest(i.req, sip.StatusRinging, "Ringing", nil)
		if err := i.tx.Respond(resp); err != nil {
			return callerr.SipTransport(err)
		}
		i.state = incRinging
		return nil

	case model.ActionReject:
		resp := sip.NewResponseFromRequest(i.req, sip.StatusCode(603), "Decline", nil)
		_ = i.tx.Respond(resp)
		i.state = incDestroyed
		i.pushPending(pendingEvent{terminal: true})
		return nil

	case model.ActionAccept:
		if stream == nil {
			return fmt.Errorf("accept action requires stream info")
		}
		i.rtp = rtpengine.New(stream.MediaGatewayURL, stream.BearerToken, i.log)
		sdp, err := i.rtp.CreateOffer(ctx)
		if err != nil {
			return err
		}

		session, err := i.endpoint.DialogUA().ReadInvite(i.req, i.tx)
		if err != nil {
			return callerr.SipTransport(err)
		}
		if err := session.RespondSDP(sdp); err != nil {
			return callerr.SipTransport(err)
		}

		i.session = session
		i.state = incTalking
		i.pushPending(pendingEvent{event: model.IncomingAccepted()})
		return nil

	default:
		return fmt.Errorf("unknown call action %q", action)
	}
}

func (i *IncomingCall) pushPending(pe pendingEvent) {
	select {
	case i.pendingEvents <- pe:
	default:
		i.log.Warn("[IncomingCall] Pending-event buffer saturated, dropping", "call_id", i.id)
	}
}

// Recv awaits the next event: either a dispatch-triggered pending event, or
// an in-dialog ACK/BYE/CANCEL routed through the SIP endpoint.
func (i *IncomingCall) Recv(ctx context.Context) (any, bool, error) {
	if i.state == incDestroyed {
		return nil, true, nil
	}

	select {
	case pe := <-i.pendingEvents:
		if pe.terminal {
			i.state = incDestroyed
		}
		return pe.event, pe.terminal, nil

	case sig, ok := <-i.signals:
		if !ok {
			i.state = incDestroyed
			return nil, true, nil
		}
		return i.handleSignal(sig)

	case <-ctx.Done():
		i.state = incDestroyed
		return nil, true, ctx.Err()
	}
}

func (i *IncomingCall) handleSignal(sig sipendpoint.Signal) (any, bool, error) {
	switch sig.Kind {
	case sipendpoint.SignalACK:
		if i.session != nil {
			_ = i.session.ReadAck(sig.Request, i.tx)
		}
		return nil, false, nil

	case sipendpoint.SignalBYE:
		if i.session != nil {
			_ = i.session.ReadBye(sig.Request, sig.Tx)
		} else {
			_ = sig.Tx.Respond(sip.NewResponseFromRequest(sig.Request, sip.StatusOK, "OK", nil))
		}
		i.state = incDestroyed
		return model.IncomingBye(), true, nil

	case sipendpoint.SignalCANCEL:
		_ = sig.Tx.Respond(sip.NewResponseFromRequest(sig.Request, sip.StatusOK, "OK", nil))
		_ = i.tx.Respond(sip.NewResponseFromRequest(i.req, sip.StatusCode(487), "Request Terminated", nil))
		i.state = incDestroyed
		return model.IncomingCancelled(), true, nil

	default:
		return nil, false, nil
	}
}

// HandleAction applies an out-of-band action from a subscriber, per
// spec.md §4.5 step 4.
func (i *IncomingCall) HandleAction(ctx context.Context, req model.CallActionRequest) error {
	if i.state == incDestroyed {
		return callerr.CallNotFound()
	}
	return i.dispatchAction(ctx, req.Action, req.Stream)
}

// End implements spec.md's cancellation rule for incoming calls: BYE in
// Talking, the proper final response otherwise, no-op if already destroyed.
func (i *IncomingCall) End(ctx context.Context) {
	switch i.state {
	case incDestroyed:
		return
	case incTalking:
		if i.session != nil {
			byeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			_ = i.session.Bye(byeCtx)
		}
	default:
		_ = i.tx.Respond(sip.NewResponseFromRequest(i.req, sip.StatusCode(487), "Request Terminated", nil))
	}
	i.state = incDestroyed
}

// Close releases the RTP allocation (if one was created) and the in-dialog
// routing registration.
func (i *IncomingCall) Close(ctx context.Context) {
	i.endpoint.UnregisterCallID(i.sipCallID)
	if i.rtp != nil {
		if err := i.rtp.Close(ctx); err != nil {
			i.log.Warn("[IncomingCall] RTP engine cleanup failed", "call_id", i.id, "error", err)
		}
	}
}
