package claims

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/streamingfast/eth-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nuwa-protocol/payment-gateway/rav"
	"github.com/nuwa-protocol/payment-gateway/store"
)

const (
	testChannelID = "0xchannel"
	testFragment  = "key-1"
)

type fakeChainClient struct {
	mu         sync.Mutex
	claims     []*rav.SignedSubRAV
	claimTimes []time.Time
	failures   int
	balance    *big.Int
	channel    *ChannelInfo
}

func (f *fakeChainClient) Claim(_ context.Context, signed *rav.SignedSubRAV) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.claimTimes = append(f.claimTimes, time.Now())
	if f.failures > 0 {
		f.failures--
		return "", errors.New("chain congestion")
	}
	f.claims = append(f.claims, signed)
	return "0xtxhash", nil
}

func (f *fakeChainClient) GetChannel(context.Context, string) (*ChannelInfo, error) {
	if f.channel == nil {
		return nil, ErrChannelNotFound
	}
	return f.channel, nil
}

func (f *fakeChainClient) HubBalance(context.Context, eth.Address) (*big.Int, error) {
	if f.balance == nil {
		return new(big.Int), nil
	}
	return f.balance, nil
}

func (f *fakeChainClient) claimed() []*rav.SignedSubRAV {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*rav.SignedSubRAV(nil), f.claims...)
}

func (f *fakeChainClient) attempts() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.claimTimes...)
}

func storedRAV(t *testing.T, ravs store.RAVStore, nonce uint64, amount int64) *rav.SignedSubRAV {
	t.Helper()

	key, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)
	signed, err := rav.Sign(&rav.SubRAV{
		Version:           rav.CodecVersion,
		ChainID:           4,
		ChannelID:         testChannelID,
		ChannelEpoch:      1,
		VMIDFragment:      testFragment,
		AccumulatedAmount: big.NewInt(amount),
		Nonce:             nonce,
	}, key)
	require.NoError(t, err)
	require.NoError(t, ravs.Save(context.Background(), signed))
	return signed
}

func newTestScheduler(t *testing.T, policy Policy, chain ChainClient) (*Scheduler, *store.MemoryRAVStore, *store.StateCache) {
	t.Helper()

	ravs := store.NewMemoryRAVStore()
	state := store.NewStateCache()
	scheduler := NewScheduler(policy, ravs, state, chain, zap.NewNop())
	scheduler.scanInterval = 10 * time.Millisecond

	go scheduler.Run()
	t.Cleanup(func() {
		scheduler.Shutdown(nil)
		require.NoError(t, scheduler.Drain(context.Background()))
	})
	return scheduler, ravs, state
}

func waitFor(t *testing.T, condition func() bool, msg string) {
	t.Helper()
	require.Eventually(t, condition, 5*time.Second, 5*time.Millisecond, msg)
}

func TestScheduler_ClaimsAboveThreshold(t *testing.T) {
	chain := &fakeChainClient{}
	scheduler, ravs, state := newTestScheduler(t, Policy{
		MinClaimAmount:      big.NewInt(100),
		MaxConcurrentClaims: 4,
		MaxRetries:          3,
		RetryDelay:          10 * time.Millisecond,
	}, chain)

	storedRAV(t, ravs, 1, 100)
	require.NoError(t, scheduler.MaybeQueue(testChannelID, testFragment, big.NewInt(100)))

	waitFor(t, func() bool { return len(chain.claimed()) == 1 }, "claim should settle")

	sub := state.SubChannelState(testChannelID, testFragment)
	assert.Equal(t, "100", sub.LastClaimedAmount.String())
	assert.Equal(t, uint64(1), sub.LastConfirmedNonce)

	_, claimed, err := ravs.ClaimedNonce(context.Background(), testChannelID, testFragment)
	require.NoError(t, err)
	assert.True(t, claimed)

	metrics := scheduler.Metrics()
	assert.Equal(t, uint64(1), metrics.SuccessCount)
	assert.Zero(t, metrics.Queued)
	assert.Zero(t, metrics.Active)
}

func TestScheduler_DropsBelowThreshold(t *testing.T) {
	chain := &fakeChainClient{}
	scheduler, ravs, _ := newTestScheduler(t, Policy{
		MinClaimAmount:      big.NewInt(100),
		MaxConcurrentClaims: 4,
		MaxRetries:          3,
		RetryDelay:          10 * time.Millisecond,
	}, chain)

	storedRAV(t, ravs, 1, 99)
	require.NoError(t, scheduler.MaybeQueue(testChannelID, testFragment, big.NewInt(99)))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, chain.claimed())
	assert.Zero(t, scheduler.Metrics().Queued)
}

func TestScheduler_MergeKeepsLargerDelta(t *testing.T) {
	chain := &fakeChainClient{}
	scheduler := NewScheduler(Policy{
		MinClaimAmount:      big.NewInt(10),
		MaxConcurrentClaims: 4,
		MaxRetries:          3,
		RetryDelay:          time.Second,
	}, store.NewMemoryRAVStore(), store.NewStateCache(), chain, zap.NewNop())

	require.NoError(t, scheduler.MaybeQueue(testChannelID, testFragment, big.NewInt(100)))
	require.NoError(t, scheduler.MaybeQueue(testChannelID, testFragment, big.NewInt(50)))
	require.NoError(t, scheduler.MaybeQueue(testChannelID, testFragment, big.NewInt(150)))

	assert.Equal(t, 1, scheduler.Metrics().Queued)
	assert.Equal(t, "150", scheduler.queued[testChannelID+"/"+testFragment].delta.String())
}

func TestScheduler_RejectsAtCapacity(t *testing.T) {
	scheduler := NewScheduler(Policy{
		MinClaimAmount:      big.NewInt(1),
		MaxConcurrentClaims: 2,
		MaxRetries:          3,
		RetryDelay:          time.Second,
	}, store.NewMemoryRAVStore(), store.NewStateCache(), &fakeChainClient{}, zap.NewNop())

	require.NoError(t, scheduler.MaybeQueue("ch-1", testFragment, big.NewInt(10)))
	require.NoError(t, scheduler.MaybeQueue("ch-2", testFragment, big.NewInt(10)))
	assert.ErrorIs(t, scheduler.MaybeQueue("ch-3", testFragment, big.NewInt(10)), ErrQueueFull)
}

func TestScheduler_RetryWithBackoff(t *testing.T) {
	chain := &fakeChainClient{failures: 2}
	scheduler, ravs, _ := newTestScheduler(t, Policy{
		MinClaimAmount:      big.NewInt(1),
		MaxConcurrentClaims: 4,
		MaxRetries:          3,
		RetryDelay:          100 * time.Millisecond,
	}, chain)

	storedRAV(t, ravs, 1, 500)
	require.NoError(t, scheduler.MaybeQueue(testChannelID, testFragment, big.NewInt(500)))

	waitFor(t, func() bool { return len(chain.claimed()) == 1 }, "third attempt should succeed")

	attempts := chain.attempts()
	require.Len(t, attempts, 3)
	// Backoff doubles: first retry after ~100ms, second after ~200ms.
	assert.GreaterOrEqual(t, attempts[1].Sub(attempts[0]), 100*time.Millisecond)
	assert.GreaterOrEqual(t, attempts[2].Sub(attempts[1]), 200*time.Millisecond)

	metrics := scheduler.Metrics()
	assert.Equal(t, uint64(1), metrics.SuccessCount)
	assert.Equal(t, uint64(2), metrics.BackoffCount)
	assert.Zero(t, metrics.FailedCount)
}

func TestScheduler_PermanentFailureAfterMaxRetries(t *testing.T) {
	chain := &fakeChainClient{failures: 10}
	scheduler, ravs, _ := newTestScheduler(t, Policy{
		MinClaimAmount:      big.NewInt(1),
		MaxConcurrentClaims: 4,
		MaxRetries:          2,
		RetryDelay:          10 * time.Millisecond,
	}, chain)

	storedRAV(t, ravs, 1, 500)
	require.NoError(t, scheduler.MaybeQueue(testChannelID, testFragment, big.NewInt(500)))

	waitFor(t, func() bool { return scheduler.Metrics().FailedCount == 1 }, "task should drop after max retries")
	assert.Empty(t, chain.claimed())
	assert.Len(t, chain.attempts(), 2)
	assert.Zero(t, scheduler.Metrics().Queued)
}

func TestScheduler_RequireHubBalance(t *testing.T) {
	chain := &fakeChainClient{
		channel: &ChannelInfo{PayerAddress: make(eth.Address, 20), Epoch: 1, Active: true},
		balance: big.NewInt(10), // below the delta
	}
	scheduler, ravs, _ := newTestScheduler(t, Policy{
		MinClaimAmount:      big.NewInt(1),
		MaxConcurrentClaims: 4,
		MaxRetries:          1,
		RetryDelay:          10 * time.Millisecond,
		RequireHubBalance:   true,
	}, chain)

	storedRAV(t, ravs, 1, 500)
	require.NoError(t, scheduler.MaybeQueue(testChannelID, testFragment, big.NewInt(500)))

	waitFor(t, func() bool { return scheduler.Metrics().FailedCount == 1 }, "underfunded claim should fail")
	assert.Empty(t, chain.claimed())
}
