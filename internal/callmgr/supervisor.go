// Package callmgr implements the per-call signalling engine: the outgoing
// (C4) and incoming (C5) state machines, the per-call supervisor (C6), and
// the call registry (C7). Grounded structurally on
// original_source/src/call_manager/incoming_call.rs's run_call_loop (the
// select-over-state-machine-and-control-channel shape), generalized to
// drive either state machine, and on the teacher's dialog.Manager for the
// registry half.
package callmgr

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/sipbridge/gateway/internal/hook"
	"github.com/sipbridge/gateway/internal/model"
)

// Supervisor is the single cooperative task owning one call's state
// machine, subscriber map, and destruction notification (C6).
type Supervisor struct {
	callID  model.InternalCallId
	sm      StateMachine
	control chan Control

	hookClient *hook.Client
	hookURL    string

	onDestroyed func(model.InternalCallId)
	log         *slog.Logger
}

// NewSupervisor constructs a supervisor for sm. Run must be called
// (typically in its own goroutine) to actually drive the call.
func NewSupervisor(callID model.InternalCallId, sm StateMachine, hookClient *hook.Client, hookURL string, onDestroyed func(model.InternalCallId), log *slog.Logger) (*Supervisor, *Handle) {
	control := make(chan Control, 16)
	s := &Supervisor{
		callID:      callID,
		sm:          sm,
		control:     control,
		hookClient:  hookClient,
		hookURL:     hookURL,
		onDestroyed: onDestroyed,
		log:         log,
	}
	return s, newHandle(callID, sm.Direction(), control)
}

type recvResult struct {
	event    any
	terminal bool
	err      error
}

// Run drives the call until its state machine reaches a terminal state,
// the control channel signals End, or ctx is cancelled. It guarantees
// exactly one destruction notification to the registry and, for incoming
// calls, exactly one terminal Destroyed event to subscribers — even if Run
// panics, via a recover in the deferred cleanup.
func (s *Supervisor) Run(ctx context.Context) {
	subscribers := make(map[model.EmitterId]*EventSink)

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("[Supervisor] Call supervisor panicked, cleaning up", "call_id", s.callID, "panic", r)
		}
		s.sm.Close(ctx)
		if s.sm.Direction() == model.DirectionIncoming {
			s.fanOut(subscribers, model.IncomingDestroyed())
		}
		for _, sink := range subscribers {
			sink.Close()
		}
		s.onDestroyed(s.callID)
	}()

	if err := s.sm.Start(ctx); err != nil {
		s.log.Error("[Supervisor] Call failed to start", "call_id", s.callID, "error", err)
		s.emitStartFailure(subscribers, err)
		return
	}

	recvCh := make(chan recvResult, 1)
	loopDone := make(chan struct{})
	defer close(loopDone)

	go func() {
		for {
			evt, terminal, err := s.sm.Recv(ctx)
			select {
			case recvCh <- recvResult{evt, terminal, err}:
			case <-loopDone:
				return
			}
			if terminal || err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.sm.End(ctx)
			return

		case res := <-recvCh:
			if res.err != nil {
				s.log.Warn("[Supervisor] Call state machine error, ending", "call_id", s.callID, "error", res.err)
				return
			}
			if res.event != nil {
				s.fanOut(subscribers, res.event)
			}
			if res.terminal {
				return
			}

		case ctrl, ok := <-s.control:
			if !ok {
				return
			}
			s.handleControl(ctx, ctrl, subscribers)
		}
	}
}

func (s *Supervisor) handleControl(ctx context.Context, ctrl Control, subscribers map[model.EmitterId]*EventSink) {
	switch ctrl.Kind {
	case CtrlSubscribe:
		subscribers[ctrl.Emitter] = ctrl.Sink

	case CtrlUnsubscribe:
		if sink, ok := subscribers[ctrl.Emitter]; ok {
			sink.Close()
			delete(subscribers, ctrl.Emitter)
		}
		if len(subscribers) == 0 && s.sm.Direction() == model.DirectionIncoming {
			s.sm.End(ctx)
		}

	case CtrlAction:
		err := s.sm.HandleAction(ctx, ctrl.Action)
		if ctrl.Reply != nil {
			ctrl.Reply <- err
		}

	case CtrlEnd:
		s.sm.End(ctx)
	}
}

func (s *Supervisor) fanOut(subscribers map[model.EmitterId]*EventSink, event any) {
	encoded, err := json.Marshal(event)
	if err != nil {
		s.log.Error("[Supervisor] Failed to encode call event", "call_id", s.callID, "error", err)
		return
	}
	for id, sink := range subscribers {
		if !sink.Send(encoded) {
			s.log.Debug("[Supervisor] Subscriber sink closed, skipping", "call_id", s.callID, "emitter_id", id)
		}
	}
	if s.hookClient != nil && s.hookURL != "" {
		s.hookClient.Send(s.hookURL, event)
	}
}

func (s *Supervisor) emitStartFailure(subscribers map[model.EmitterId]*EventSink, err error) {
	if s.sm.Direction() == model.DirectionIncoming {
		s.fanOut(subscribers, model.IncomingError(err.Error()))
	} else {
		s.fanOut(subscribers, model.OutgoingFailure(0))
	}
}
