package addressbook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/sipbridge/gateway/internal/model"
)

// Syncer periodically GETs a JSON address-book snapshot and feeds it into a
// Storage (C11). Parse or transport failure keeps the previous snapshot per
// spec.md §6.
type Syncer struct {
	storage  *Storage
	url      string
	interval time.Duration
	client   *http.Client
	log      *slog.Logger
}

// NewSyncer constructs a syncer. interval and url come from CLI config.
func NewSyncer(storage *Storage, url string, interval time.Duration, log *slog.Logger) *Syncer {
	return &Syncer{
		storage:  storage,
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log,
	}
}

// Run blocks, polling until ctx is cancelled. It performs one sync
// immediately before entering the ticker loop.
func (s *Syncer) Run(ctx context.Context) {
	if s.url == "" {
		s.log.Info("[AddressBook] Sync disabled, no --phone-numbers-sync configured")
		return
	}

	s.syncOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce(ctx)
		}
	}
}

func (s *Syncer) syncOnce(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.url, nil)
	if err != nil {
		s.log.Error("[AddressBook] Sync build request failed", "error", err)
		return
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warn("[AddressBook] Sync request failed, keeping previous snapshot", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.log.Warn("[AddressBook] Sync unexpected status, keeping previous snapshot", "status", resp.StatusCode)
		return
	}

	var numbers []model.PhoneNumber
	if err := json.NewDecoder(resp.Body).Decode(&numbers); err != nil {
		s.log.Warn("[AddressBook] Sync parse failed, keeping previous snapshot", "error", err)
		return
	}

	s.storage.Sync(numbers)
	s.log.Info("[AddressBook] Synced", "numbers", len(numbers))
}
