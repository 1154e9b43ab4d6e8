// Package addressbook implements the admission filter (C1): a mapping from
// destination number to the set of remote subnets permitted to reach it.
// Grounded on the original Rust address_book/storage.rs (single RWMutex,
// whole-map replace under one write lock) and the teacher's read-mostly
// location-store convention.
package addressbook

import (
	"net"
	"sync"

	"github.com/sipbridge/gateway/internal/model"
)

// Storage holds the current number → PhoneNumber snapshot.
type Storage struct {
	mu      sync.RWMutex
	numbers map[string]model.PhoneNumber
}

// New returns an empty address book; Sync populates it.
func New() *Storage {
	return &Storage{numbers: make(map[string]model.PhoneNumber)}
}

// Sync atomically replaces the whole mapping. Readers calling Allow
// concurrently with Sync never observe a mixed old/new state: the new map
// is built off to the side and swapped in under a single write lock.
func (s *Storage) Sync(list []model.PhoneNumber) {
	next := make(map[string]model.PhoneNumber, len(list))
	for _, pn := range list {
		next[pn.Number] = pn
	}

	s.mu.Lock()
	s.numbers = next
	s.mu.Unlock()
}

// Allow reports whether remote is permitted to reach destination number to.
// from is accepted for symmetry with the original signature but unused
// (spec.md §4.1, Design Note (b): retained for future caller-ID policy).
func (s *Storage) Allow(remote net.IP, from, to string) bool {
	s.mu.RLock()
	pn, ok := s.numbers[to]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	for _, subnet := range pn.Subnets {
		if subnet.Contains(remote) {
			return true
		}
	}
	return false
}

// AllowAddr is the convenience entry point used by the SIP admission layer:
// remote is the caller's socket address.
func (s *Storage) AllowAddr(remote *net.UDPAddr, from, to string) bool {
	return s.Allow(remote.IP, from, to)
}

// Len reports the number of destination numbers currently configured.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.numbers)
}
