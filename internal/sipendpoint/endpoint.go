// Package sipendpoint implements the SIP endpoint wrapper (C3): it owns the
// sipgo UA/Server/Client, the admission layer that gates incoming INVITEs
// through the address book, and the call-ID-keyed routing of subsequent
// in-dialog requests (ACK/BYE/CANCEL) to whichever call owns that dialog.
// Grounded on the teacher's services/signaling/app.NewServer wiring.
package sipendpoint

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sipbridge/gateway/internal/addressbook"
)

// Config carries the listen/advertise addresses the endpoint binds and
// publishes in its Contact header.
type Config struct {
	ListenAddr    string // e.g. "0.0.0.0:5060"
	AdvertiseAddr string // host:port advertised in the Contact header; defaults to ListenAddr
}

// SignalKind distinguishes the in-dialog request kinds routed to an
// established call.
type SignalKind int

const (
	SignalACK SignalKind = iota
	SignalBYE
	SignalCANCEL
)

// Signal is one routed in-dialog request, delivered to the call that owns
// the dialog identified by Call-ID.
type Signal struct {
	Kind    SignalKind
	Request *sip.Request
	Tx      sip.ServerTransaction
}

// IncomingInvite is published on the endpoint's incoming channel for every
// INVITE that passes admission. Signals delivers ACK/BYE/CANCEL for this
// dialog once the call registers itself (see RegisterCallID).
type IncomingInvite struct {
	CallID  string
	From    string
	To      string
	Remote  *net.UDPAddr
	Request *sip.Request
	Tx      sip.ServerTransaction
}

// Endpoint owns the SIP stack: UDP transport, UA, dialog-capable client,
// and the admission dispatch for incoming INVITEs.
type Endpoint struct {
	ua       *sipgo.UserAgent
	server   *sipgo.Server
	client   *sipgo.Client
	dialogUA *sipgo.DialogUA
	contact  sip.ContactHeader

	addressBook *addressbook.Storage
	incoming    chan *IncomingInvite
	log         *slog.Logger

	listenAddr string

	mu       sync.Mutex
	bindings map[string]chan Signal
}

// New wires the sipgo UA/Server/Client and registers the global request
// handlers for INVITE (admission) and ACK/BYE/CANCEL (in-dialog routing).
func New(cfg Config, book *addressbook.Storage, log *slog.Logger) (*Endpoint, error) {
	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("create user agent: %w", err)
	}

	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}

	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	advertise := cfg.AdvertiseAddr
	if advertise == "" {
		advertise = cfg.ListenAddr
	}
	host, port, err := splitHostPort(advertise)
	if err != nil {
		return nil, fmt.Errorf("parse advertise address: %w", err)
	}

	contact := sip.ContactHeader{
		Address: sip.Uri{User: "atm0s", Host: host, Port: port},
	}

	e := &Endpoint{
		ua:          ua,
		server:      server,
		client:      client,
		dialogUA:    &sipgo.DialogUA{Client: client, ContactHDR: contact},
		contact:     contact,
		addressBook: book,
		incoming:    make(chan *IncomingInvite, 64),
		log:         log,
		listenAddr:  cfg.ListenAddr,
		bindings:    make(map[string]chan Signal),
	}

	server.OnRequest(sip.INVITE, e.handleInvite)
	server.OnRequest(sip.ACK, e.routingHandler(SignalACK))
	server.OnRequest(sip.BYE, e.routingHandler(SignalBYE))
	server.OnRequest(sip.CANCEL, e.routingHandler(SignalCANCEL))

	return e, nil
}

// Contact returns the advertised contact URI, e.g. "sip:atm0s@10.0.0.1:5060".
func (e *Endpoint) Contact() sip.ContactHeader { return e.contact }

// Client exposes the raw sipgo client for building/sending outgoing
// requests (C4's dialer lives in outgoing.go of this package).
func (e *Endpoint) Client() *sipgo.Client { return e.client }

// DialogUA exposes the dialog-capable helper used to answer incoming
// INVITEs (C5's accept path).
func (e *Endpoint) DialogUA() *sipgo.DialogUA { return e.dialogUA }

// Incoming returns the channel of admitted INVITEs (C3's "new-incoming"
// channel consumed by the call manager).
func (e *Endpoint) Incoming() <-chan *IncomingInvite { return e.incoming }

// Start blocks serving SIP over UDP until ctx is cancelled.
func (e *Endpoint) Start(ctx context.Context) error {
	return e.server.ListenAndServe(ctx, "udp", e.listenAddr)
}

// Close releases the underlying transport.
func (e *Endpoint) Close() error {
	return e.server.Close()
}

// RegisterCallID opens a signal channel for callID so subsequent ACK/BYE/
// CANCEL requests for this dialog are routed here instead of answered with
// a bare failure response.
func (e *Endpoint) RegisterCallID(callID string) <-chan Signal {
	ch := make(chan Signal, 4)
	e.mu.Lock()
	e.bindings[callID] = ch
	e.mu.Unlock()
	return ch
}

// UnregisterCallID removes the routing entry once a call is destroyed,
// preventing a slow memory leak across the process lifetime.
func (e *Endpoint) UnregisterCallID(callID string) {
	e.mu.Lock()
	ch, ok := e.bindings[callID]
	delete(e.bindings, callID)
	e.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (e *Endpoint) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDValue(req)
	from := fromUser(req)
	to := toUser(req)

	remote, err := net.ResolveUDPAddr("udp", req.Source())
	if err != nil {
		e.log.Warn("[SipEndpoint] Invite from unparseable source, rejecting", "source", req.Source(), "error", err)
		respondFailure(tx, req, sip.StatusBadRequest, "Bad Request")
		return
	}

	if !e.addressBook.AllowAddr(remote, from, to) {
		e.log.Info("[SipEndpoint] Invite denied by admission filter", "call_id", callID, "remote", remote.String(), "to", to)
		respondFailure(tx, req, sip.StatusForbidden, "Forbidden")
		return
	}

	invite := &IncomingInvite{
		CallID:  callID,
		From:    from,
		To:      to,
		Remote:  remote,
		Request: req,
		Tx:      tx,
	}

	select {
	case e.incoming <- invite:
	default:
		e.log.Error("[SipEndpoint] Incoming invite queue saturated, rejecting", "call_id", callID)
		respondFailure(tx, req, sip.StatusServiceUnavailable, "Service Unavailable")
	}
}

// routingHandler builds an OnRequest handler that forwards a request as a
// Signal to whichever call registered this Call-ID, or answers a default
// failure response if no call claims it (e.g. a stray retransmission after
// the call already terminated).
func (e *Endpoint) routingHandler(kind SignalKind) func(req *sip.Request, tx sip.ServerTransaction) {
	return func(req *sip.Request, tx sip.ServerTransaction) {
		callID := callIDValue(req)

		e.mu.Lock()
		ch, ok := e.bindings[callID]
		e.mu.Unlock()

		if !ok {
			e.log.Debug("[SipEndpoint] In-dialog request for unknown call, answering default", "call_id", callID, "kind", kind)
			switch kind {
			case SignalBYE, SignalCANCEL:
				respondFailure(tx, req, sip.StatusCode(481), "Call/Transaction Does Not Exist")
			}
			return
		}

		select {
		case ch <- Signal{Kind: kind, Request: req, Tx: tx}:
		default:
			e.log.Warn("[SipEndpoint] Call signal channel saturated, dropping", "call_id", callID, "kind", kind)
		}
	}
}

func respondFailure(tx sip.ServerTransaction, req *sip.Request, code sip.StatusCode, reason string) {
	resp := sip.NewResponseFromRequest(req, code, reason, nil)
	_ = tx.Respond(resp)
}

func callIDValue(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

func fromUser(req *sip.Request) string {
	h := req.From()
	if h == nil {
		return ""
	}
	return h.Address.User
}

func toUser(req *sip.Request) string {
	h := req.To()
	if h == nil {
		return ""
	}
	return h.Address.User
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, err
	}
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return host, port, nil
}
