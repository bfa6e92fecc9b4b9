package store

import (
	"math/big"
	"strings"
	"sync"
	"time"
)

// ChannelStatus is the lifecycle state of a payment channel.
type ChannelStatus int

const (
	ChannelStatusActive ChannelStatus = iota
	ChannelStatusClosing
	ChannelStatusClosed
)

func (s ChannelStatus) String() string {
	switch s {
	case ChannelStatusActive:
		return "active"
	case ChannelStatusClosing:
		return "closing"
	case ChannelStatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChannelMetadata describes a payment channel as first observed by the
// gateway. All fields except Status are immutable once created.
type ChannelMetadata struct {
	ChannelID string
	PayerDID  string
	PayeeDID  string
	AssetID   string
	OpenEpoch uint64
	Status    ChannelStatus
}

// SubChannelState holds the live counters for one (channelId, vmIdFragment)
// lane. The payee side uses it to detect regressions and to compute the delta
// handed to the claim scheduler.
type SubChannelState struct {
	Epoch              uint64
	AccumulatedAmount  *big.Int
	Nonce              uint64
	LastClaimedAmount  *big.Int
	LastConfirmedNonce uint64
	LastUpdated        time.Time
}

// SubChannelUpdate is a partial update applied by UpdateSubChannelState; nil
// fields are left untouched.
type SubChannelUpdate struct {
	Epoch              *uint64
	AccumulatedAmount  *big.Int
	Nonce              *uint64
	LastClaimedAmount  *big.Int
	LastConfirmedNonce *uint64
}

// StateCache maps channels to their metadata and sub-channels to their live
// counters. Reads return copies; writes are serialized per key.
type StateCache struct {
	mu       sync.RWMutex
	channels map[string]*ChannelMetadata
	subs     map[string]*SubChannelState
}

func NewStateCache() *StateCache {
	return &StateCache{
		channels: make(map[string]*ChannelMetadata),
		subs:     make(map[string]*SubChannelState),
	}
}

// SetChannelMetadata records channel metadata on first touch. An existing
// entry only has its status updated; the rest is immutable.
func (c *StateCache) SetChannelMetadata(meta *ChannelMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.channels[meta.ChannelID]; ok {
		existing.Status = meta.Status
		return
	}
	copied := *meta
	c.channels[meta.ChannelID] = &copied
}

// ChannelMetadata returns a copy of the channel metadata, or nil if the
// channel was never observed.
func (c *StateCache) ChannelMetadata(channelID string) *ChannelMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()

	meta, ok := c.channels[channelID]
	if !ok {
		return nil
	}
	copied := *meta
	return &copied
}

// AdvanceChannelEpoch moves the channel to a newer open epoch and drops the
// sub-channel counters of the previous incarnation; an on-chain reset voids
// everything accumulated under the old epoch. Older epochs are ignored.
func (c *StateCache) AdvanceChannelEpoch(channelID string, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, ok := c.channels[channelID]
	if !ok {
		c.channels[channelID] = &ChannelMetadata{
			ChannelID: channelID,
			OpenEpoch: epoch,
			Status:    ChannelStatusActive,
		}
	} else {
		if epoch <= meta.OpenEpoch {
			return
		}
		meta.OpenEpoch = epoch
	}

	prefix := channelID + "/"
	for key := range c.subs {
		if strings.HasPrefix(key, prefix) {
			delete(c.subs, key)
		}
	}
}

// SetChannelStatus transitions the channel status. Unknown channels are
// ignored.
func (c *StateCache) SetChannelStatus(channelID string, status ChannelStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if meta, ok := c.channels[channelID]; ok {
		meta.Status = status
	}
}

// SubChannelState returns a copy of the live counters for the sub-channel. An
// unseen key yields a zero-valued record rather than an error.
func (c *StateCache) SubChannelState(channelID, vmIDFragment string) *SubChannelState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	state, ok := c.subs[subChannelKey(channelID, vmIDFragment)]
	if !ok {
		return &SubChannelState{
			AccumulatedAmount: new(big.Int),
			LastClaimedAmount: new(big.Int),
		}
	}
	return copySubChannelState(state)
}

// UpdateSubChannelState merges a partial update into the live counters and
// bumps LastUpdated.
func (c *StateCache) UpdateSubChannelState(channelID, vmIDFragment string, update SubChannelUpdate) *SubChannelState {
	key := subChannelKey(channelID, vmIDFragment)

	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.subs[key]
	if !ok {
		state = &SubChannelState{
			AccumulatedAmount: new(big.Int),
			LastClaimedAmount: new(big.Int),
		}
		c.subs[key] = state
	}

	if update.Epoch != nil {
		state.Epoch = *update.Epoch
	}
	if update.AccumulatedAmount != nil {
		state.AccumulatedAmount = new(big.Int).Set(update.AccumulatedAmount)
	}
	if update.Nonce != nil {
		state.Nonce = *update.Nonce
	}
	if update.LastClaimedAmount != nil {
		state.LastClaimedAmount = new(big.Int).Set(update.LastClaimedAmount)
	}
	if update.LastConfirmedNonce != nil {
		state.LastConfirmedNonce = *update.LastConfirmedNonce
	}
	state.LastUpdated = time.Now()

	return copySubChannelState(state)
}

func copySubChannelState(state *SubChannelState) *SubChannelState {
	copied := *state
	copied.AccumulatedAmount = new(big.Int).Set(state.AccumulatedAmount)
	copied.LastClaimedAmount = new(big.Int).Set(state.LastClaimedAmount)
	return &copied
}

// Uint64Ptr is a convenience for building SubChannelUpdate values.
func Uint64Ptr(v uint64) *uint64 { return &v }
