// Package model holds the data shapes shared across the signalling core,
// the management HTTP/WebSocket plane, and the outbound hook client: call
// identifiers, address-book entries, SIP credentials, streaming parameters,
// and the JSON wire shapes for events, hooks, and the REST API.
package model

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/google/uuid"
)

// InternalCallId uniquely identifies a call for the lifetime of the process.
type InternalCallId string

// NewInternalCallId generates a fresh call id.
func NewInternalCallId() InternalCallId {
	return InternalCallId(uuid.New().String())
}

func (id InternalCallId) String() string { return string(id) }

// EmitterId uniquely identifies a subscriber within a call.
type EmitterId string

func NewEmitterId() EmitterId {
	return EmitterId(uuid.New().String())
}

func (id EmitterId) String() string { return string(id) }

// PhoneNumber is one entry of the address book: a destination number and the
// set of remote subnets permitted to reach it.
type PhoneNumber struct {
	Number  string
	Subnets []*net.IPNet
}

type phoneNumberJSON struct {
	Number  string   `json:"number"`
	Subnets []string `json:"subnets"`
}

func (p PhoneNumber) MarshalJSON() ([]byte, error) {
	out := phoneNumberJSON{Number: p.Number, Subnets: make([]string, len(p.Subnets))}
	for i, s := range p.Subnets {
		out.Subnets[i] = s.String()
	}
	return json.Marshal(out)
}

func (p *PhoneNumber) UnmarshalJSON(data []byte) error {
	var in phoneNumberJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	subnets := make([]*net.IPNet, 0, len(in.Subnets))
	for _, cidr := range in.Subnets {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return fmt.Errorf("invalid subnet %q: %w", cidr, err)
		}
		subnets = append(subnets, ipnet)
	}
	p.Number = in.Number
	p.Subnets = subnets
	return nil
}

// SipAuth carries credentials for outgoing-call digest re-authentication.
type SipAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StreamingInfo is handed verbatim to the RTP engine when accepting or
// originating a call.
type StreamingInfo struct {
	MediaGatewayURL string `json:"media_gateway_url"`
	BearerToken     string `json:"bearer_token"`
	Room            string `json:"room"`
	Peer            string `json:"peer"`
}

// CallDirection distinguishes an outgoing call (we sent the INVITE) from an
// incoming one (we received it).
type CallDirection int

const (
	DirectionOutgoing CallDirection = iota
	DirectionIncoming
)

func (d CallDirection) String() string {
	if d == DirectionIncoming {
		return "in"
	}
	return "out"
}

// CallToken is the claim bound into a bearer token minted by the token
// service: which call, which direction, so a WebSocket subscriber can be
// verified against the call it is trying to attach to.
type CallToken struct {
	Direction CallDirection
	CallID    InternalCallId
}

// CallAction is the decision returned by the incoming-call hook, or sent by
// a subscriber via the management API.
type CallAction string

const (
	ActionTrying CallAction = "Trying"
	ActionRing   CallAction = "Ring"
	ActionAccept CallAction = "Accept"
	ActionReject CallAction = "Reject"
)

// HookIncomingCallRequest is POSTed to the operator's decision hook when an
// INVITE passes admission.
type HookIncomingCallRequest struct {
	CallID InternalCallId `json:"call_id"`
	From   string         `json:"from"`
	To     string         `json:"to"`
}

// HookIncomingCallResponse is the hook's decision.
type HookIncomingCallResponse struct {
	Action CallAction     `json:"action"`
	Stream *StreamingInfo `json:"stream,omitempty"`
}

// CallActionRequest is sent on a call's control channel to command a
// transition out-of-band (e.g. a subscriber accepting a call mid-flight).
type CallActionRequest struct {
	Action CallAction     `json:"action"`
	Stream *StreamingInfo `json:"stream,omitempty"`
}

// OutgoingEvent is the wire shape for events emitted by an outgoing call's
// state machine (spec.md §6, "Event JSON shapes").
type OutgoingEvent struct {
	Type string `json:"type"`
	Code int    `json:"code,omitempty"`
}

func OutgoingProvisional(code int) OutgoingEvent { return OutgoingEvent{Type: "Provisional", Code: code} }
func OutgoingEarly(code int) OutgoingEvent       { return OutgoingEvent{Type: "Early", Code: code} }
func OutgoingAccepted(code int) OutgoingEvent    { return OutgoingEvent{Type: "Accepted", Code: code} }
func OutgoingBye() OutgoingEvent                 { return OutgoingEvent{Type: "Bye"} }
func OutgoingFailure(code int) OutgoingEvent     { return OutgoingEvent{Type: "Failure", Code: code} }

// IncomingEvent is the wire shape for events emitted by an incoming call.
type IncomingEvent struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Message string `json:"message,omitempty"`
}

func IncomingAccepted() IncomingEvent  { return IncomingEvent{Type: "Accepted"} }
func IncomingCancelled() IncomingEvent { return IncomingEvent{Type: "Sip", Content: "Cancelled"} }
func IncomingBye() IncomingEvent       { return IncomingEvent{Type: "Sip", Content: "Bye"} }
func IncomingError(message string) IncomingEvent {
	return IncomingEvent{Type: "Error", Message: message}
}
func IncomingDestroyed() IncomingEvent { return IncomingEvent{Type: "Destroyed"} }

// CreateCallRequest is the body of POST /call/.
type CreateCallRequest struct {
	SipServer  string        `json:"sip_server"`
	SipAuth    *SipAuth      `json:"sip_auth,omitempty"`
	FromNumber string        `json:"from_number"`
	ToNumber   string        `json:"to_number"`
	HookURL    string        `json:"hook_url"`
	Streaming  StreamingInfo `json:"streaming"`
}

// CreateCallResponse is the 200 response body of POST /call/.
type CreateCallResponse struct {
	CallID    InternalCallId `json:"call_id"`
	WS        string         `json:"ws"`
	CallToken string         `json:"call_token"`
}

// UpdateCallRequest is the body of PUT /call/{id}. Its semantics are an
// unresolved stub in the source this spec was distilled from; we accept the
// envelope and answer 501 (see DESIGN.md, Open Question 1).
type UpdateCallRequest struct {
	Action CallAction     `json:"action"`
	Stream *StreamingInfo `json:"stream,omitempty"`
}
