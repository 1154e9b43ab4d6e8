package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipbridge/gateway/internal/callmgr"
	"github.com/sipbridge/gateway/internal/model"
	"github.com/sipbridge/gateway/internal/token"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSM is a minimal callmgr.StateMachine that never emits events; its Recv
// reports the call terminal once End signals the done channel, letting tests
// drive the management plane without a live SIP stack.
type fakeSM struct {
	dir  model.CallDirection
	done chan struct{}
}

func newFakeSM(dir model.CallDirection) *fakeSM {
	return &fakeSM{dir: dir, done: make(chan struct{}, 1)}
}

func (f *fakeSM) Direction() model.CallDirection { return f.dir }
func (f *fakeSM) Start(ctx context.Context) error { return nil }
func (f *fakeSM) Recv(ctx context.Context) (any, bool, error) {
	select {
	case <-f.done:
		return nil, true, nil
	case <-ctx.Done():
		return nil, true, ctx.Err()
	}
}
func (f *fakeSM) HandleAction(ctx context.Context, req model.CallActionRequest) error { return nil }
func (f *fakeSM) End(ctx context.Context) {
	select {
	case f.done <- struct{}{}:
	default:
	}
}
func (f *fakeSM) Close(ctx context.Context) {}

func newTestServer(t *testing.T) (*Server, *callmgr.Registry, *token.Service, context.CancelFunc) {
	t.Helper()
	tokens := token.New("test-secret")
	registry := callmgr.NewRegistry(tokens, testLogger())
	s := New("unused", "shared-secret", registry, nil, nil, tokens, testLogger())

	_, cancel := context.WithCancel(context.Background())
	return s, registry, tokens, cancel
}

func registerFakeCall(ctx context.Context, registry *callmgr.Registry, dir model.CallDirection) (model.InternalCallId, string) {
	callID := model.NewInternalCallId()
	sm := newFakeSM(dir)
	sup, handle := callmgr.NewSupervisor(callID, sm, nil, "", registry.OnDestroyed, testLogger())
	tok, _ := registry.Register(handle)
	go sup.Run(ctx)
	return callID, tok
}

func TestAuthMiddlewareRejectsWrongSecret(t *testing.T) {
	s, _, _, cancel := newTestServer(t)
	defer cancel()

	req := httptest.NewRequest(http.MethodDelete, "/call/whatever", nil)
	req.Header.Set("X-API-Key", "wrong")
	rr := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestDeleteCallEndsAndReaps(t *testing.T) {
	s, registry, _, cancel := newTestServer(t)
	defer cancel()

	ctx, callCancel := context.WithCancel(context.Background())
	defer callCancel()
	callID, _ := registerFakeCall(ctx, registry, model.DirectionOutgoing)

	req := httptest.NewRequest(http.MethodDelete, "/call/"+string(callID), nil)
	req.Header.Set("X-API-Key", "shared-secret")
	rr := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	deadline := time.After(time.Second)
	for registry.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("expected call to be reaped from registry")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestDeleteUnknownCallReturns404(t *testing.T) {
	s, _, _, cancel := newTestServer(t)
	defer cancel()

	req := httptest.NewRequest(http.MethodDelete, "/call/does-not-exist", nil)
	req.Header.Set("X-API-Key", "shared-secret")
	rr := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestUpdateCallReturns501(t *testing.T) {
	s, registry, _, cancel := newTestServer(t)
	defer cancel()

	ctx, callCancel := context.WithCancel(context.Background())
	defer callCancel()
	callID, _ := registerFakeCall(ctx, registry, model.DirectionOutgoing)

	body := strings.NewReader(`{"action":"Accept"}`)
	req := httptest.NewRequest(http.MethodPut, "/call/"+string(callID), body)
	req.Header.Set("X-API-Key", "shared-secret")
	rr := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rr.Code)
	}
}

func TestWebSocketUnknownCallClosesImmediately(t *testing.T) {
	s, _, tokens, cancel := newTestServer(t)
	defer cancel()

	// A well-formed, correctly-matched token for a call id that was never
	// registered: the token check passes, the upgrade succeeds, but
	// Subscribe fails against the registry and the connection is closed.
	otherCallID := model.NewInternalCallId()
	signed, err := tokens.Encode(model.CallToken{Direction: model.DirectionOutgoing, CallID: otherCallID}, time.Minute)
	if err != nil {
		t.Fatalf("encode token: %v", err)
	}

	server := httptest.NewServer(s.httpServer.Handler)
	defer server.Close()

	target, _ := url.Parse(server.URL)
	target.Scheme = "ws"
	target.Path = "/ws/call/" + string(otherCallID)
	target.RawQuery = "token=" + signed

	conn, _, err := websocket.DefaultDialer.Dial(target.String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to be closed for an unregistered call")
	}
}

func TestWebSocketHappyPath(t *testing.T) {
	s, registry, tokens, cancel := newTestServer(t)
	defer cancel()

	ctx, callCancel := context.WithCancel(context.Background())
	defer callCancel()
	callID, _ := registerFakeCall(ctx, registry, model.DirectionOutgoing)

	signed, err := tokens.Encode(model.CallToken{Direction: model.DirectionOutgoing, CallID: callID}, time.Minute)
	if err != nil {
		t.Fatalf("encode token: %v", err)
	}

	server := httptest.NewServer(s.httpServer.Handler)
	defer server.Close()

	target, _ := url.Parse(server.URL)
	target.Scheme = "ws"
	target.Path = "/ws/call/" + string(callID)
	target.RawQuery = "token=" + signed

	conn, _, err := websocket.DefaultDialer.Dial(target.String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if registry.Len() != 1 {
		t.Fatalf("expected call still registered, got %d", registry.Len())
	}
}
