// Package hook implements the outbound hook HTTP client (C10): the
// synchronous incoming-call decision POST, and a bounded worker-pool queue
// that forwards fire-and-forget event copies to an operator webhook.
// Grounded on the original Rust hook/sender.rs (an mpsc-queued
// HttpHookSender), adapted to Go's worker-pool idiom since Go has no
// unbounded-channel-with-panic-on-disconnect equivalent worth imitating.
package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sipbridge/gateway/internal/model"
)

const decisionTimeout = 5 * time.Second

// job is one queued fire-and-forget POST.
type job struct {
	endpoint string
	body     []byte
}

// Client is the outbound hook HTTP client. It exposes a synchronous
// incoming-call decision request and an asynchronous queued Send.
type Client struct {
	httpClient *http.Client
	log        *slog.Logger

	queue chan job
	wg    sync.WaitGroup
}

// New starts workers goroutines draining the queue. workers comes from
// --http-hook-queues.
func New(workers int, log *slog.Logger) *Client {
	if workers <= 0 {
		workers = 1
	}
	c := &Client{
		httpClient: &http.Client{Timeout: decisionTimeout},
		log:        log,
		queue:      make(chan job, workers*8),
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c
}

func (c *Client) worker() {
	defer c.wg.Done()
	for j := range c.queue {
		c.deliver(j)
	}
}

func (c *Client) deliver(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), decisionTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.endpoint, bytes.NewReader(j.body))
	if err != nil {
		c.log.Error("[Hook] Dispatch build request failed", "endpoint", j.endpoint, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("[Hook] Dispatch failed", "endpoint", j.endpoint, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		c.log.Warn("[Hook] Dispatch rejected", "endpoint", j.endpoint, "status", resp.StatusCode)
	}
}

// Send enqueues a fire-and-forget POST of body to endpoint. If the queue is
// saturated the event is dropped and logged rather than blocking the
// supervisor loop — a slow operator webhook must never stall a call.
func (c *Client) Send(endpoint string, body any) {
	encoded, err := json.Marshal(body)
	if err != nil {
		c.log.Error("[Hook] Encode failed", "endpoint", endpoint, "error", err)
		return
	}
	select {
	case c.queue <- job{endpoint: endpoint, body: encoded}:
	default:
		c.log.Warn("[Hook] Queue saturated, dropping event", "endpoint", endpoint)
	}
}

// RequestIncomingDecision synchronously POSTs the incoming-call decision
// hook and parses the caller's response. This is the one hook call the
// incoming-call state machine must block on before proceeding.
func (c *Client) RequestIncomingDecision(ctx context.Context, hookURL string, req model.HookIncomingCallRequest) (model.HookIncomingCallResponse, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return model.HookIncomingCallResponse{}, fmt.Errorf("encode hook request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, hookURL, bytes.NewReader(encoded))
	if err != nil {
		return model.HookIncomingCallResponse{}, fmt.Errorf("build hook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return model.HookIncomingCallResponse{}, fmt.Errorf("hook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.HookIncomingCallResponse{}, fmt.Errorf("hook returned status %d", resp.StatusCode)
	}

	var decision model.HookIncomingCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return model.HookIncomingCallResponse{}, fmt.Errorf("decode hook response: %w", err)
	}
	return decision, nil
}

// Close stops accepting new work and waits for queued jobs to drain.
func (c *Client) Close() {
	close(c.queue)
	c.wg.Wait()
}
