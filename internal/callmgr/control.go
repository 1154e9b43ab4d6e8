package callmgr

import (
	"context"

	"github.com/sipbridge/gateway/internal/model"
)

// ControlKind enumerates the messages a subscriber (via the registry/HTTP
// plane) can send into a running call's supervisor.
type ControlKind int

const (
	CtrlSubscribe ControlKind = iota
	CtrlUnsubscribe
	CtrlAction
	CtrlEnd
)

// Control is one message on a call's control channel, grounded on the
// original CallControl<EM> enum (Sub/Unsub/Action/End).
type Control struct {
	Kind    ControlKind
	Emitter model.EmitterId
	Sink    *EventSink
	Action  model.CallActionRequest
	Reply   chan error
}

// StateMachine is the contract the supervisor (C6) drives: either an
// OutgoingCall (C4) or an IncomingCall (C5). Recv is the sole state-
// mutating operation, matching spec.md §4.4/§4.5's "recv is the only
// operation that mutates state" rule.
type StateMachine interface {
	// Direction reports whether this is an outgoing or incoming call, used
	// by the supervisor to decide whether last-unsubscribe implies End and
	// whether a terminal Destroyed event is emitted on the wire.
	Direction() model.CallDirection

	// Start performs whatever must happen before the generic event loop:
	// for an outgoing call, send the initial INVITE; for an incoming call,
	// send 100 Trying, run the decision hook, and dispatch its action.
	Start(ctx context.Context) error

	// Recv blocks for the next significant event. event is a
	// model.OutgoingEvent or model.IncomingEvent value, or nil if nothing
	// should be emitted this iteration (e.g. a 100 Trying retransmission).
	// terminal is true once the call has reached its destroyed state; no
	// further Recv calls are made after terminal is true or err != nil.
	Recv(ctx context.Context) (event any, terminal bool, err error)

	// HandleAction applies an out-of-band command (e.g. a subscriber
	// instructing Accept/Reject mid-flight).
	HandleAction(ctx context.Context, req model.CallActionRequest) error

	// End requests termination: CANCEL/BYE as appropriate. Idempotent.
	End(ctx context.Context)

	// Close releases owned resources (the RTP allocation) on every exit
	// path, including after panics recovered by the supervisor.
	Close(ctx context.Context)
}

// Handle is what the registry and HTTP plane hold to talk to a running
// call's supervisor.
type Handle struct {
	CallID    model.InternalCallId
	Direction model.CallDirection
	control   chan Control
}

func newHandle(callID model.InternalCallId, dir model.CallDirection, control chan Control) *Handle {
	return &Handle{CallID: callID, Direction: dir, control: control}
}

// Subscribe attaches a sink under emitter, fanning out subsequent events to
// it. Safe to call after the call has ended (the send is best-effort).
func (h *Handle) Subscribe(emitter model.EmitterId, sink *EventSink) {
	h.send(Control{Kind: CtrlSubscribe, Emitter: emitter, Sink: sink})
}

// Unsubscribe detaches a sink.
func (h *Handle) Unsubscribe(emitter model.EmitterId) {
	h.send(Control{Kind: CtrlUnsubscribe, Emitter: emitter})
}

// Action applies req and waits for the supervisor's reply.
func (h *Handle) Action(ctx context.Context, req model.CallActionRequest) error {
	reply := make(chan error, 1)
	ctrl := Control{Kind: CtrlAction, Action: req, Reply: reply}
	select {
	case h.control <- ctrl:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// End requests call termination.
func (h *Handle) End() {
	h.send(Control{Kind: CtrlEnd})
}

func (h *Handle) send(ctrl Control) {
	select {
	case h.control <- ctrl:
	default:
		// Control channel saturated or supervisor already exited; dropping
		// here is safe because the supervisor's own exit path tears down
		// subscriptions and the registry reaps the entry regardless.
	}
}
