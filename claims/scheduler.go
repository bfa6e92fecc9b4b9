package claims

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/streamingfast/shutter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nuwa-protocol/payment-gateway/store"
)

var ErrQueueFull = errors.New("claim queue at capacity")

// Policy bounds when and how aggressively the scheduler settles on-chain.
type Policy struct {
	// MinClaimAmount is the smallest unclaimed delta worth the gas of a claim.
	MinClaimAmount *big.Int

	MaxConcurrentClaims int
	MaxRetries          int
	RetryDelay          time.Duration

	// RequireHubBalance skips claims whose payer cannot cover the delta from
	// their hub balance, avoiding guaranteed reverts.
	RequireHubBalance bool
}

// Metrics is a point-in-time snapshot of scheduler counters.
type Metrics struct {
	Active            int
	Queued            int
	SuccessCount      uint64
	FailedCount       uint64
	BackoffCount      uint64
	AvgProcessingTime time.Duration
}

type task struct {
	channelID    string
	vmIDFragment string
	delta        *big.Int
	attempts     int
	nextRetryAt  time.Time
	createdAt    time.Time
}

// Scheduler settles unclaimed RAV deltas on-chain: the processor notifies it
// after every accepted payment, a scanner promotes due tasks, and each claim
// runs with per-sub-channel exclusivity and exponential backoff on failure.
type Scheduler struct {
	*shutter.Shutter

	policy       Policy
	ravs         store.RAVStore
	state        *store.StateCache
	chain        ChainClient
	scanInterval time.Duration
	logger       *zap.Logger

	mu     sync.Mutex
	queued map[string]*task
	active map[string]struct{}

	successCount    uint64
	failedCount     uint64
	backoffCount    uint64
	totalProcessing time.Duration
	processedClaims uint64

	inflight errgroup.Group
}

func NewScheduler(policy Policy, ravs store.RAVStore, state *store.StateCache, chain ChainClient, logger *zap.Logger) *Scheduler {
	if policy.MinClaimAmount == nil {
		policy.MinClaimAmount = new(big.Int)
	}
	return &Scheduler{
		Shutter:      shutter.New(),
		policy:       policy,
		ravs:         ravs,
		state:        state,
		chain:        chain,
		scanInterval: time.Second,
		logger:       logger,
		queued:       make(map[string]*task),
		active:       make(map[string]struct{}),
	}
}

// MaybeQueue records an observed unclaimed delta. Deltas below the claim
// threshold and keys with an active claim are dropped; an already queued key
// is merged, keeping the larger delta. A full queue rejects with ErrQueueFull.
func (s *Scheduler) MaybeQueue(channelID, vmIDFragment string, delta *big.Int) error {
	if delta == nil || delta.Cmp(s.policy.MinClaimAmount) < 0 {
		return nil
	}
	key := channelID + "/" + vmIDFragment

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, isActive := s.active[key]; isActive {
		return nil
	}
	if existing, ok := s.queued[key]; ok {
		if delta.Cmp(existing.delta) > 0 {
			existing.delta = new(big.Int).Set(delta)
		}
		return nil
	}
	if len(s.active)+len(s.queued) >= s.policy.MaxConcurrentClaims {
		return ErrQueueFull
	}

	now := time.Now()
	s.queued[key] = &task{
		channelID:    channelID,
		vmIDFragment: vmIDFragment,
		delta:        new(big.Int).Set(delta),
		nextRetryAt:  now,
		createdAt:    now,
	}
	return nil
}

// Run drives the scanner until shutdown. Call it from a goroutine; it
// terminates the shutter on exit.
func (s *Scheduler) Run() {
	s.logger.Info("claim scheduler starting",
		zap.String("min_claim_amount", s.policy.MinClaimAmount.String()),
		zap.Int("max_concurrent_claims", s.policy.MaxConcurrentClaims),
		zap.Int("max_retries", s.policy.MaxRetries),
		zap.Duration("retry_delay", s.policy.RetryDelay),
	)

	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.Terminating():
			return
		case <-ticker.C:
			s.promoteDue()
		}
	}
}

// promoteDue moves due tasks into the active set, bounded by the concurrency
// budget, and launches a worker per promotion.
func (s *Scheduler) promoteDue() {
	now := time.Now()

	s.mu.Lock()
	budget := s.policy.MaxConcurrentClaims - len(s.active)
	var promoted []*task
	for key, t := range s.queued {
		if budget <= 0 {
			break
		}
		if t.nextRetryAt.After(now) {
			continue
		}
		delete(s.queued, key)
		s.active[key] = struct{}{}
		promoted = append(promoted, t)
		budget--
	}
	s.mu.Unlock()

	for _, t := range promoted {
		t := t
		s.inflight.Go(func() error {
			s.runTask(t)
			return nil
		})
	}
}

func (s *Scheduler) runTask(t *task) {
	ctx := context.Background()
	key := t.channelID + "/" + t.vmIDFragment
	start := time.Now()

	err := s.claim(ctx, t)
	elapsed := time.Since(start)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, key)
	s.totalProcessing += elapsed
	s.processedClaims++

	if err == nil {
		s.successCount++
		return
	}

	t.attempts++
	if t.attempts >= s.policy.MaxRetries {
		s.failedCount++
		s.logger.Error("claim permanently failed",
			zap.String("channel_id", t.channelID),
			zap.String("vm_id_fragment", t.vmIDFragment),
			zap.Int("attempts", t.attempts),
			zap.Error(err),
		)
		return
	}

	delay := s.policy.RetryDelay << (t.attempts - 1)
	t.nextRetryAt = time.Now().Add(delay)
	s.queued[key] = t
	s.backoffCount++
	s.logger.Warn("claim failed, backing off",
		zap.String("channel_id", t.channelID),
		zap.String("vm_id_fragment", t.vmIDFragment),
		zap.Int("attempts", t.attempts),
		zap.Duration("retry_in", delay),
		zap.Error(err),
	)
}

// claim performs one settlement attempt against the latest stored RAV.
func (s *Scheduler) claim(ctx context.Context, t *task) error {
	latest, err := s.ravs.Latest(ctx, t.channelID, t.vmIDFragment)
	if err != nil {
		return err
	}
	if latest == nil {
		return errors.New("no stored rav for sub-channel")
	}

	if s.policy.RequireHubBalance {
		channel, err := s.chain.GetChannel(ctx, t.channelID)
		if err != nil {
			return err
		}
		balance, err := s.chain.HubBalance(ctx, channel.PayerAddress)
		if err != nil {
			return err
		}
		if balance.Cmp(t.delta) < 0 {
			return errors.New("payer hub balance below unclaimed delta")
		}
	}

	txHash, err := s.chain.Claim(ctx, latest)
	if err != nil {
		return err
	}

	record := latest.SubRAV
	s.state.UpdateSubChannelState(t.channelID, t.vmIDFragment, store.SubChannelUpdate{
		LastClaimedAmount:  record.AccumulatedAmount,
		LastConfirmedNonce: &record.Nonce,
	})
	if err := s.ravs.MarkClaimed(ctx, t.channelID, t.vmIDFragment, record.Nonce); err != nil {
		// The chain accepted the claim; a cursor write failure only costs an
		// extra idempotent claim attempt later.
		s.logger.Warn("marking claimed cursor failed", zap.Error(err))
	}

	s.logger.Info("claim settled",
		zap.String("channel_id", t.channelID),
		zap.String("vm_id_fragment", t.vmIDFragment),
		zap.Uint64("nonce", record.Nonce),
		zap.String("amount", record.AccumulatedAmount.String()),
		zap.String("tx_hash", txHash),
	)
	return nil
}

// Drain waits for in-flight claims to finish, bounded by ctx. Queued but
// unpromoted tasks are dropped; they are rediscovered from the store on the
// next start.
func (s *Scheduler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		_ = s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Metrics returns a snapshot of the scheduler counters.
func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := Metrics{
		Active:       len(s.active),
		Queued:       len(s.queued),
		SuccessCount: s.successCount,
		FailedCount:  s.failedCount,
		BackoffCount: s.backoffCount,
	}
	if s.processedClaims > 0 {
		m.AvgProcessingTime = s.totalProcessing / time.Duration(s.processedClaims)
	}
	return m
}
