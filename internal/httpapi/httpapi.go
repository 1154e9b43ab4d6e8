// Package httpapi implements the management HTTP/WebSocket front door (C9):
// the REST surface for creating, updating, and ending calls, and the
// WebSocket upgrade that streams a call's events to a subscriber. Grounded
// on the teacher's services/signaling/http package (net/http ServeMux,
// X-API-Key middleware, gorilla/websocket upgrade-and-pump loop).
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipbridge/gateway/internal/callerr"
	"github.com/sipbridge/gateway/internal/callmgr"
	"github.com/sipbridge/gateway/internal/hook"
	"github.com/sipbridge/gateway/internal/model"
	"github.com/sipbridge/gateway/internal/rtpengine"
	"github.com/sipbridge/gateway/internal/sipendpoint"
	"github.com/sipbridge/gateway/internal/token"
)

const wsWriteTimeout = 10 * time.Second

// Server is the management plane: one *http.Server bound to the ServeMux
// below, holding everything needed to admit new outgoing calls and route
// subscriber traffic to running ones.
type Server struct {
	addr     string
	secret   string
	registry *callmgr.Registry
	endpoint *sipendpoint.Endpoint
	hook     *hook.Client
	tokens   *token.Service
	log      *slog.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// New builds the management server. It does not start listening; call Run.
func New(addr, secret string, registry *callmgr.Registry, endpoint *sipendpoint.Endpoint, hookClient *hook.Client, tokens *token.Service, log *slog.Logger) *Server {
	s := &Server{
		addr:     addr,
		secret:   secret,
		registry: registry,
		endpoint: endpoint,
		hook:     hookClient,
		tokens:   tokens,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /call/", s.withAuth(s.handleCreateCall))
	mux.HandleFunc("PUT /call/{id}", s.withAuth(s.handleUpdateCall))
	mux.HandleFunc("DELETE /call/{id}", s.withAuth(s.handleDeleteCall))
	mux.HandleFunc("GET /ws/call/{id}", s.handleWebSocket)

	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("[HttpApi] Listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// withAuth enforces the X-API-Key shared-secret check from spec.md §6's
// management API table.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != s.secret {
			writeError(w, callerr.WrongSecret())
			return
		}
		next(w, r)
	}
}

// handleCreateCall implements POST /call/: admits a new outgoing call,
// starts its supervisor, and returns the WebSocket URL and bearer token a
// caller needs to subscribe to its events.
func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req model.CreateCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	callID := model.NewInternalCallId()
	rtp := rtpengine.New(req.Streaming.MediaGatewayURL, req.Streaming.BearerToken, s.log)

	fromURI := fmt.Sprintf("sip:%s@%s", req.FromNumber, s.endpoint.Contact().Address.Host)
	toURI := fmt.Sprintf("sip:%s@%s", req.ToNumber, req.SipServer)

	call := callmgr.NewOutgoingCall(callID, s.endpoint, rtp, fromURI, toURI, req.SipAuth, s.log)
	sup, handle := callmgr.NewSupervisor(callID, call, s.hook, req.HookURL, s.registry.OnDestroyed, s.log)

	callToken, err := s.registry.Register(handle)
	if err != nil {
		writeError(w, err)
		return
	}

	go sup.Run(context.Background())

	resp := model.CreateCallResponse{
		CallID:    callID,
		WS:        fmt.Sprintf("/ws/call/%s?token=%s", callID, callToken),
		CallToken: callToken,
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleUpdateCall implements PUT /call/{id}. Its semantics are an
// unresolved stub in the source this spec was distilled from (see
// DESIGN.md, Open Question 1); we answer 501 rather than guess a contract.
func (s *Server) handleUpdateCall(w http.ResponseWriter, r *http.Request) {
	id := model.InternalCallId(r.PathValue("id"))
	if _, err := s.registry.Get(id); err != nil {
		writeError(w, err)
		return
	}
	writeError(w, callerr.NotImplemented())
}

// handleDeleteCall implements DELETE /call/{id}: requests the call end and
// answers 200 "OK", or 404 if no such call exists.
func (s *Server) handleDeleteCall(w http.ResponseWriter, r *http.Request) {
	id := model.InternalCallId(r.PathValue("id"))
	if err := s.registry.EndCall(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, "OK")
}

// handleWebSocket implements GET /ws/call/{id}?token=...: validates the
// bearer token names this call, subscribes a fresh sink, and pumps events
// to the client as JSON text frames until the connection or the call ends.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := model.InternalCallId(r.PathValue("id"))
	tok := r.URL.Query().Get("token")

	claim, err := s.tokens.Decode(tok)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	if claim.CallID != id {
		http.Error(w, "token does not match call id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("[HttpApi] Websocket upgrade failed", "call_id", id, "error", err)
		return
	}
	defer conn.Close()

	emitter := model.NewEmitterId()
	sink := callmgr.NewEventSink()
	if err := s.registry.Subscribe(id, emitter, sink); err != nil {
		writeCloseError(conn, err)
		sink.Close()
		return
	}
	defer func() {
		_ = s.registry.Unsubscribe(id, emitter)
		sink.Close()
	}()

	// Drain client reads on a goroutine solely to notice disconnects;
	// subscribers never send anything meaningful over this socket.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case payload, ok := <-sink.C():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func writeCloseError(conn *websocket.Conn, err error) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, err.Error()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, callerr.HTTPStatus(err), errorBody{Error: err.Error()})
}
