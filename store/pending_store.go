package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/nuwa-protocol/payment-gateway/rav"
)

// PendingStore holds unsigned RAV proposals the gateway has offered to
// clients and for which it awaits a signed counterpart. Entries are
// short-lived: they are removed on acceptance of the matching signature or
// expired by the TTL janitor. Keeping them apart from the durable RAV log lets
// them be garbage collected aggressively without risking replay.
type PendingStore struct {
	mu      sync.RWMutex
	entries map[string]*PendingProposal
}

// PendingProposal is an unsigned proposal awaiting its signed counterpart.
type PendingProposal struct {
	SubRAV    *rav.SubRAV
	CreatedAt time.Time
}

// PendingStats is a point-in-time snapshot of the store.
type PendingStats struct {
	Count  int
	Oldest time.Time
}

func NewPendingStore() *PendingStore {
	return &PendingStore{entries: make(map[string]*PendingProposal)}
}

func pendingKey(channelID string, nonce uint64) string {
	return fmt.Sprintf("%s:%d", channelID, nonce)
}

// Save stores a proposal, overwriting any entry with the same key.
func (s *PendingStore) Save(proposal *rav.SubRAV) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[pendingKey(proposal.ChannelID, proposal.Nonce)] = &PendingProposal{
		SubRAV:    proposal,
		CreatedAt: time.Now(),
	}
}

// Find returns the proposal for (channelID, nonce), or nil.
func (s *PendingStore) Find(channelID string, nonce uint64) *rav.SubRAV {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[pendingKey(channelID, nonce)]
	if !ok {
		return nil
	}
	return entry.SubRAV
}

// Remove deletes the proposal for (channelID, nonce), if present.
func (s *PendingStore) Remove(channelID string, nonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, pendingKey(channelID, nonce))
}

// Cleanup removes entries older than maxAge and returns how many were dropped.
func (s *PendingStore) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if entry.CreatedAt.Before(cutoff) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of the store.
func (s *PendingStore) Stats() PendingStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := PendingStats{Count: len(s.entries)}
	for _, entry := range s.entries {
		if stats.Oldest.IsZero() || entry.CreatedAt.Before(stats.Oldest) {
			stats.Oldest = entry.CreatedAt
		}
	}
	return stats
}

// Clear removes all entries.
func (s *PendingStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*PendingProposal)
}
