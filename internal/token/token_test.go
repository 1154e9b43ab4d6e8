package token

import (
	"testing"
	"time"

	"github.com/sipbridge/gateway/internal/model"
)

func TestRoundTrip(t *testing.T) {
	svc := New("process-secret")
	want := model.CallToken{Direction: model.DirectionOutgoing, CallID: model.InternalCallId("call-1")}

	encoded, err := svc.Encode(want, time.Hour)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := svc.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestDecodeRejectsExpired(t *testing.T) {
	svc := New("process-secret")
	ct := model.CallToken{Direction: model.DirectionIncoming, CallID: model.InternalCallId("call-2")}

	encoded, err := svc.Encode(ct, -time.Second)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if _, err := svc.Decode(encoded); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestDecodeRejectsTampered(t *testing.T) {
	svc := New("process-secret")
	other := New("different-secret")
	ct := model.CallToken{Direction: model.DirectionOutgoing, CallID: model.InternalCallId("call-3")}

	encoded, err := svc.Encode(ct, time.Hour)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if _, err := other.Decode(encoded); err == nil {
		t.Fatal("expected token signed with a different secret to be rejected")
	}
}
