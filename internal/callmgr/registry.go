package callmgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sipbridge/gateway/internal/callerr"
	"github.com/sipbridge/gateway/internal/model"
	"github.com/sipbridge/gateway/internal/token"
)

const callTokenTTL = 3600 * time.Second

// Registry is the process-wide map from call id to supervisor handle (C7).
// Grounded on the teacher's dialog.Manager (single-owner map with a
// destruction-notify callback) crossed with the original Rust
// CallManager's destroy-channel reaper.
type Registry struct {
	tokens *token.Service
	log    *slog.Logger

	mu    sync.Mutex
	calls map[model.InternalCallId]*Handle
}

// NewRegistry constructs an empty registry bound to a token service for
// minting WebSocket subscriber tokens.
func NewRegistry(tokens *token.Service, log *slog.Logger) *Registry {
	return &Registry{
		tokens: tokens,
		log:    log,
		calls:  make(map[model.InternalCallId]*Handle),
	}
}

// Register inserts a newly-constructed call's handle and returns a minted
// token binding the call's direction and id, with the spec's 3600s TTL.
func (r *Registry) Register(handle *Handle) (string, error) {
	r.mu.Lock()
	r.calls[handle.CallID] = handle
	r.mu.Unlock()

	callToken := model.CallToken{Direction: handle.Direction, CallID: handle.CallID}
	return r.tokens.Encode(callToken, callTokenTTL)
}

// Get returns the handle for id, or CallNotFound.
func (r *Registry) Get(id model.InternalCallId) (*Handle, error) {
	r.mu.Lock()
	h, ok := r.calls[id]
	r.mu.Unlock()
	if !ok {
		return nil, callerr.CallNotFound()
	}
	return h, nil
}

// Subscribe routes a subscribe request to the call's supervisor.
func (r *Registry) Subscribe(id model.InternalCallId, emitter model.EmitterId, sink *EventSink) error {
	h, err := r.Get(id)
	if err != nil {
		return err
	}
	h.Subscribe(emitter, sink)
	return nil
}

// Unsubscribe routes an unsubscribe request to the call's supervisor.
func (r *Registry) Unsubscribe(id model.InternalCallId, emitter model.EmitterId) error {
	h, err := r.Get(id)
	if err != nil {
		return err
	}
	h.Unsubscribe(emitter)
	return nil
}

// Action routes an out-of-band action request to the call's supervisor.
func (r *Registry) Action(ctx context.Context, id model.InternalCallId, req model.CallActionRequest) error {
	h, err := r.Get(id)
	if err != nil {
		return err
	}
	return h.Action(ctx, req)
}

// EndCall requests the call terminate.
func (r *Registry) EndCall(id model.InternalCallId) error {
	h, err := r.Get(id)
	if err != nil {
		return err
	}
	h.End()
	return nil
}

// OnDestroyed is the callback passed to each supervisor; it removes the
// entry, warning if it was already absent (a second destroy notification
// for the same id would indicate a bug upstream, not a normal race, since
// registration happens once per call).
func (r *Registry) OnDestroyed(id model.InternalCallId) {
	r.mu.Lock()
	_, existed := r.calls[id]
	delete(r.calls, id)
	r.mu.Unlock()

	if !existed {
		r.log.Warn("[Registry] Destroy notification for call not found in registry", "call_id", id)
		return
	}
	r.log.Info("[Registry] Call removed", "call_id", id)
}

// Len reports the number of live calls, chiefly for diagnostics/tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
