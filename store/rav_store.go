package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nuwa-protocol/payment-gateway/rav"
)

// ErrRegression is returned when a save would violate the per-sub-channel
// monotonicity invariant: a nonce at or below an already-stored nonce with a
// different payload, or an accumulated amount smaller than the latest one.
var ErrRegression = errors.New("rav regression")

// RAVStore is the durable log of signed RAVs, keyed by
// (channelId, vmIdFragment), plus the per-key claimed-nonce cursor.
//
// Save is idempotent: re-saving an identical record is a no-op. Save and
// MarkClaimed are serialized per key by the implementation; readers see
// consistent snapshots.
type RAVStore interface {
	// Save appends a signed RAV, preserving nonce order.
	Save(ctx context.Context, signed *rav.SignedSubRAV) error

	// Latest returns the highest-nonce RAV for the sub-channel, or nil.
	Latest(ctx context.Context, channelID, vmIDFragment string) (*rav.SignedSubRAV, error)

	// List iterates all stored RAVs of a channel. Ordering is stable within a
	// sub-channel (by nonce) and unspecified across sub-channels. Returning a
	// non-nil error from fn stops the iteration.
	List(ctx context.Context, channelID string, fn func(*rav.SignedSubRAV) error) error

	// Unclaimed returns, per sub-channel, the highest-nonce RAV whose nonce is
	// above the claimed cursor.
	Unclaimed(ctx context.Context, channelID string) (map[string]*rav.SignedSubRAV, error)

	// MarkClaimed advances the claimed cursor to max(existing, nonce).
	MarkClaimed(ctx context.Context, channelID, vmIDFragment string, nonce uint64) error

	// ClaimedNonce returns the claimed cursor and whether one was ever set.
	ClaimedNonce(ctx context.Context, channelID, vmIDFragment string) (uint64, bool, error)

	// ResetChannel drops every record and claimed cursor of the channel. An
	// on-chain channel reset voids the previous epoch's obligations; the new
	// epoch starts its log from nonce zero.
	ResetChannel(ctx context.Context, channelID string) error
}

func subChannelKey(channelID, vmIDFragment string) string {
	return channelID + "/" + vmIDFragment
}

// MemoryRAVStore is the in-memory RAVStore used by tests and single-node
// development setups.
type MemoryRAVStore struct {
	mu       sync.RWMutex
	records  map[string][]*rav.SignedSubRAV // sorted by nonce
	claimed  map[string]uint64
	channels map[string]map[string]struct{} // channelID -> fragments
}

var _ RAVStore = (*MemoryRAVStore)(nil)

func NewMemoryRAVStore() *MemoryRAVStore {
	return &MemoryRAVStore{
		records:  make(map[string][]*rav.SignedSubRAV),
		claimed:  make(map[string]uint64),
		channels: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryRAVStore) Save(_ context.Context, signed *rav.SignedSubRAV) error {
	record := signed.SubRAV
	key := subChannelKey(record.ChannelID, record.VMIDFragment)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.records[key]
	if n := len(existing); n > 0 {
		latest := existing[n-1].SubRAV
		switch {
		case record.Nonce > latest.Nonce:
			if record.AccumulatedAmount.Cmp(latest.AccumulatedAmount) < 0 {
				return fmt.Errorf("%w: amount %s below latest %s at nonce %d",
					ErrRegression, record.AccumulatedAmount, latest.AccumulatedAmount, latest.Nonce)
			}
		default:
			// Nonce at or below the latest: only an exact duplicate is allowed.
			idx := sort.Search(n, func(i int) bool { return existing[i].SubRAV.Nonce >= record.Nonce })
			if idx < n && existing[idx].SubRAV.Nonce == record.Nonce {
				if existing[idx].SubRAV.Equal(record) {
					return nil // idempotent re-save
				}
				return fmt.Errorf("%w: nonce %d already stored with different payload", ErrRegression, record.Nonce)
			}
			return fmt.Errorf("%w: nonce %d not above latest %d", ErrRegression, record.Nonce, latest.Nonce)
		}
	}

	s.records[key] = append(existing, signed)

	fragments, ok := s.channels[record.ChannelID]
	if !ok {
		fragments = make(map[string]struct{})
		s.channels[record.ChannelID] = fragments
	}
	fragments[record.VMIDFragment] = struct{}{}
	return nil
}

func (s *MemoryRAVStore) Latest(_ context.Context, channelID, vmIDFragment string) (*rav.SignedSubRAV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.records[subChannelKey(channelID, vmIDFragment)]
	if len(records) == 0 {
		return nil, nil
	}
	return records[len(records)-1], nil
}

func (s *MemoryRAVStore) List(_ context.Context, channelID string, fn func(*rav.SignedSubRAV) error) error {
	s.mu.RLock()
	var snapshot []*rav.SignedSubRAV
	for fragment := range s.channels[channelID] {
		snapshot = append(snapshot, s.records[subChannelKey(channelID, fragment)]...)
	}
	s.mu.RUnlock()

	for _, signed := range snapshot {
		if err := fn(signed); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryRAVStore) Unclaimed(_ context.Context, channelID string) (map[string]*rav.SignedSubRAV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*rav.SignedSubRAV)
	for fragment := range s.channels[channelID] {
		key := subChannelKey(channelID, fragment)
		records := s.records[key]
		if len(records) == 0 {
			continue
		}
		latest := records[len(records)-1]
		if latest.SubRAV.Nonce > s.claimed[key] {
			out[fragment] = latest
		}
	}
	return out, nil
}

func (s *MemoryRAVStore) MarkClaimed(_ context.Context, channelID, vmIDFragment string, nonce uint64) error {
	key := subChannelKey(channelID, vmIDFragment)

	s.mu.Lock()
	defer s.mu.Unlock()

	if nonce > s.claimed[key] {
		s.claimed[key] = nonce
	}
	return nil
}

func (s *MemoryRAVStore) ClaimedNonce(_ context.Context, channelID, vmIDFragment string) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nonce, ok := s.claimed[subChannelKey(channelID, vmIDFragment)]
	return nonce, ok, nil
}

func (s *MemoryRAVStore) ResetChannel(_ context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for fragment := range s.channels[channelID] {
		key := subChannelKey(channelID, fragment)
		delete(s.records, key)
		delete(s.claimed, key)
	}
	delete(s.channels, channelID)
	return nil
}
