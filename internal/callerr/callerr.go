// Package callerr defines the typed error taxonomy shared by the signalling
// engine and the management plane. Every fatal condition a call can hit is
// modeled as a CallError carrying a Kind, so handlers can map it to the
// correct SIP final response or HTTP status without string matching.
package callerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the error categories named in the specification's error
// handling section.
type Kind int

const (
	KindSipTransport Kind = iota
	KindSipProtocol
	KindSipAuth
	KindRtpEngine
	KindHook
	KindAdmissionDenied
	KindTokenInvalid
	KindCallNotFound
	KindWrongSecret
	KindInternalChannel
	KindNotImplemented
)

func (k Kind) String() string {
	switch k {
	case KindSipTransport:
		return "SipTransport"
	case KindSipProtocol:
		return "SipProtocol"
	case KindSipAuth:
		return "SipAuth"
	case KindRtpEngine:
		return "RtpEngine"
	case KindHook:
		return "Hook"
	case KindAdmissionDenied:
		return "AdmissionDenied"
	case KindTokenInvalid:
		return "TokenInvalid"
	case KindCallNotFound:
		return "CallNotFound"
	case KindWrongSecret:
		return "WrongSecret"
	case KindInternalChannel:
		return "InternalChannel"
	case KindNotImplemented:
		return "NotImplemented"
	default:
		return "Unknown"
	}
}

// CallError is the typed error the signalling core and the management plane
// share; a few internal paths still return plain errors. Code carries the SIP status for KindSipProtocol. RtpKind
// carries the rtpengine sub-failure (e.g. "MissingLocation") for
// KindRtpEngine.
type CallError struct {
	Kind    Kind
	Code    int
	RtpKind string
	Detail  string
	Err     error
}

func (e *CallError) Error() string {
	switch e.Kind {
	case KindSipProtocol:
		return fmt.Sprintf("sip protocol error: %d", e.Code)
	case KindRtpEngine:
		if e.Err != nil {
			return fmt.Sprintf("rtp engine error: %s: %v", e.RtpKind, e.Err)
		}
		return fmt.Sprintf("rtp engine error: %s", e.RtpKind)
	default:
		if e.Detail != "" {
			return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
		}
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
		return e.Kind.String()
	}
}

func (e *CallError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, callerr.CallNotFound()) style checks by
// comparing Kind when the target is itself a *CallError; the target's other
// fields are ignored.
func (e *CallError) Is(target error) bool {
	var other *CallError
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func SipTransport(err error) *CallError {
	return &CallError{Kind: KindSipTransport, Err: err}
}

func SipProtocol(code int) *CallError {
	return &CallError{Kind: KindSipProtocol, Code: code}
}

func SipAuth(detail string) *CallError {
	return &CallError{Kind: KindSipAuth, Detail: detail}
}

func RtpEngine(rtpKind string, err error) *CallError {
	return &CallError{Kind: KindRtpEngine, RtpKind: rtpKind, Err: err}
}

func Hook(err error) *CallError {
	return &CallError{Kind: KindHook, Err: err}
}

func AdmissionDenied() *CallError {
	return &CallError{Kind: KindAdmissionDenied}
}

func TokenInvalid() *CallError {
	return &CallError{Kind: KindTokenInvalid}
}

func CallNotFound() *CallError {
	return &CallError{Kind: KindCallNotFound}
}

func WrongSecret() *CallError {
	return &CallError{Kind: KindWrongSecret}
}

func InternalChannel(detail string) *CallError {
	return &CallError{Kind: KindInternalChannel, Detail: detail}
}

func NotImplemented() *CallError {
	return &CallError{Kind: KindNotImplemented}
}

// HTTPStatus maps a CallError to the status code the management plane
// should answer with, per spec.md §6's response table.
func HTTPStatus(err error) int {
	var ce *CallError
	if !errors.As(err, &ce) {
		return http.StatusInternalServerError
	}
	switch ce.Kind {
	case KindWrongSecret, KindTokenInvalid:
		return http.StatusUnauthorized
	case KindCallNotFound:
		return http.StatusNotFound
	case KindNotImplemented:
		return http.StatusNotImplemented
	case KindInternalChannel:
		return http.StatusInternalServerError
	case KindSipTransport, KindSipProtocol, KindSipAuth, KindRtpEngine, KindHook, KindAdmissionDenied:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
