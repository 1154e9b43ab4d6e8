// Package rtpengine implements the RTP engine client (C2): a scoped HTTP
// resource wrapping the external media server's offer/answer/destroy
// endpoints. Grounded on the original Rust sip/rtp.rs (the teacher's own
// mediaclient is gRPC and doesn't match this spec's HTTP contract),
// transliterated into the teacher's net/http + log/slog idiom.
package rtpengine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/sipbridge/gateway/internal/callerr"
)

const requestTimeout = 3 * time.Second

// allocation is the (location, sdp) pair recorded once create_offer
// succeeds. Nil until then.
type allocation struct {
	location string
	sdp      []byte
}

// Offer is a scoped resource over HTTP: at most one allocation, created at
// most once, deleted exactly once. Safe for concurrent use by one owning
// goroutine plus a best-effort Close from a deferred cleanup path.
type Offer struct {
	gateway string
	token   string
	client  *http.Client
	log     *slog.Logger

	mu         sync.Mutex
	alloc      *allocation
	createOnce bool
	closed     bool
}

// New constructs an idle offer. gateway is the media server's base URL;
// token is the bearer token presented on every request.
func New(gateway, token string, log *slog.Logger) *Offer {
	return &Offer{
		gateway: gateway,
		token:   token,
		client:  &http.Client{Timeout: requestTimeout},
		log:     log,
	}
}

// CreateOffer POSTs {gateway}/rtpengine/offer with bearer auth and records
// the returned Location header and SDP body. May only be called once per
// instance; a second call panics, matching the original's debug_assert
// ("should not call create_offer twice") made into a hard invariant.
func (o *Offer) CreateOffer(ctx context.Context) ([]byte, error) {
	o.mu.Lock()
	if o.createOnce {
		o.mu.Unlock()
		panic("rtpengine: CreateOffer called twice on the same Offer")
	}
	o.createOnce = true
	o.mu.Unlock()

	o.log.Info("[RtpEngine] Creating offer")

	url := o.gateway + "/rtpengine/offer"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, callerr.RtpEngine("Reqwest", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.token)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, callerr.RtpEngine("Reqwest", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		o.log.Error("[RtpEngine] Create offer error", "status", resp.StatusCode)
		return nil, callerr.RtpEngine("InvalidStatus", fmt.Errorf("status %d", resp.StatusCode))
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return nil, callerr.RtpEngine("MissingLocation", nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, callerr.RtpEngine("InvalidBody", err)
	}

	o.mu.Lock()
	o.alloc = &allocation{location: location, sdp: body}
	o.mu.Unlock()

	o.log.Info("[RtpEngine] Created offer", "location", location)
	logNegotiatedCodec(o.log, body)

	return body, nil
}

// SDP returns the cached offer body after CreateOffer succeeded, or nil.
func (o *Offer) SDP() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.alloc == nil {
		return nil
	}
	return o.alloc.sdp
}

// SetAnswer PATCHes the peer's SDP answer to the allocation. Must be called
// after a successful CreateOffer.
func (o *Offer) SetAnswer(ctx context.Context, sdpAnswer []byte) error {
	o.mu.Lock()
	alloc := o.alloc
	o.mu.Unlock()
	if alloc == nil {
		panic("rtpengine: SetAnswer called before CreateOffer succeeded")
	}

	url := o.gateway + alloc.location
	o.log.Info("[RtpEngine] Sending answer", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(sdpAnswer))
	if err != nil {
		return callerr.RtpEngine("Reqwest", err)
	}
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := o.client.Do(req)
	if err != nil {
		return callerr.RtpEngine("Reqwest", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		o.log.Error("[RtpEngine] Send answer error", "url", url, "status", resp.StatusCode)
		return callerr.RtpEngine("InvalidStatus", fmt.Errorf("status %d", resp.StatusCode))
	}

	o.log.Info("[RtpEngine] Sent answer", "url", url)
	return nil
}

// Close releases the allocation if one exists, issuing exactly one DELETE.
// Safe to call multiple times (idempotent) and safe to call when no
// allocation was ever created. Grounded on the original's Drop impl, but
// made an explicit call on every exit path instead of a detached spawn that
// can be lost on process shutdown (spec.md §9 Design Notes).
func (o *Offer) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed || o.alloc == nil {
		o.closed = true
		o.mu.Unlock()
		return nil
	}
	alloc := o.alloc
	o.closed = true
	o.mu.Unlock()

	url := o.gateway + alloc.location
	o.log.Info("[RtpEngine] Destroying", "url", url)

	// Use a background context with its own short timeout: Close runs on
	// cleanup paths where ctx may already be cancelled.
	delCtx, cancel := context.WithTimeout(detach(ctx), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(delCtx, http.MethodDelete, url, nil)
	if err != nil {
		o.log.Error("[RtpEngine] Destroy build request failed", "url", url, "error", err)
		return callerr.RtpEngine("Reqwest", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		o.log.Error("[RtpEngine] Destroy error", "url", url, "error", err)
		return callerr.RtpEngine("Reqwest", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		o.log.Error("[RtpEngine] Destroy error", "url", url, "status", resp.StatusCode)
		return callerr.RtpEngine("InvalidStatus", fmt.Errorf("status %d", resp.StatusCode))
	}

	o.log.Info("[RtpEngine] Destroyed", "url", url)
	return nil
}

// detach strips cancellation from ctx while keeping its values, so a
// cleanup DELETE still fires after the caller's context was cancelled.
func detach(ctx context.Context) context.Context {
	return detachedContext{ctx}
}

type detachedContext struct{ parent context.Context }

func (detachedContext) Deadline() (time.Time, bool)   { return time.Time{}, false }
func (detachedContext) Done() <-chan struct{}         { return nil }
func (detachedContext) Err() error                    { return nil }
func (d detachedContext) Value(key any) any           { return d.parent.Value(key) }

// logNegotiatedCodec parses the SDP body purely for an operator-friendly
// log line; SDP stays an opaque []byte on the wire per spec.
func logNegotiatedCodec(log *slog.Logger, body []byte) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return
	}
	for _, media := range sd.MediaDescriptions {
		if len(media.MediaName.Formats) == 0 {
			continue
		}
		for _, attr := range media.Attributes {
			if attr.Key == "rtpmap" {
				log.Debug("[RtpEngine] Negotiated codec", "rtpmap", attr.Value)
				return
			}
		}
	}
}
