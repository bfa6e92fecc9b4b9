package processor

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/nuwa-protocol/payment-gateway/rav"
	"github.com/nuwa-protocol/payment-gateway/store"
)

// ClaimNotifyFunc is invoked after a signed RAV is persisted, with the
// unclaimed delta for the sub-channel. The claim scheduler decides whether the
// delta is worth settling.
type ClaimNotifyFunc func(channelID, vmIDFragment string, delta *big.Int)

// ChannelResolver reports the current on-chain open epoch of a channel. The
// gateway backs it with the chain client; without one, the first handshake
// pins the epoch and later epochs cannot be confirmed.
type ChannelResolver interface {
	CurrentEpoch(ctx context.Context, channelID string) (uint64, error)
}

// Processor advances the deferred-payment state machine: each request settles
// the previous proposal (verify, persist, reconcile) and emits the next one.
type Processor struct {
	serviceID     string
	verifier      *rav.Verifier
	ravs          store.RAVStore
	pending       *store.PendingStore
	state         *store.StateCache
	byKey         *store.KeyMutex
	channels      ChannelResolver
	notify        ClaimNotifyFunc
	verifyTimeout time.Duration
	logger        *zap.Logger

	txSeq atomic.Uint64
}

func New(
	serviceID string,
	verifier *rav.Verifier,
	ravs store.RAVStore,
	pending *store.PendingStore,
	state *store.StateCache,
	channels ChannelResolver,
	notify ClaimNotifyFunc,
	verifyTimeout time.Duration,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		serviceID:     serviceID,
		verifier:      verifier,
		ravs:          ravs,
		pending:       pending,
		state:         state,
		byKey:         store.NewKeyMutex(),
		channels:      channels,
		notify:        notify,
		verifyTimeout: verifyTimeout,
		logger:        logger,
	}
}

// Settlement is the outcome of accepting one request envelope.
type Settlement struct {
	// Signed is the accepted record; its SubRAV is the base the next proposal
	// derives from.
	Signed *rav.SignedSubRAV

	Handshake bool

	// First is set on the handshake that opens a previously unseen
	// sub-channel. Opening is free; a handshake re-submitted against existing
	// state is an ordinary billable request.
	First bool

	// Delta is the accumulated amount not yet claimed on-chain, forwarded to
	// the claim scheduler. Zero for handshakes.
	Delta *big.Int
}

// Settle runs the settlement half of the state machine for one request:
// parse, classify, pending match, signature verify, persist and reconcile.
// Protocol failures come back as *Error with no state mutated, so the client
// can retry with the same signed record.
func (p *Processor) Settle(ctx context.Context, headerValue, payerDID string) (*Settlement, error) {
	if headerValue == "" {
		return nil, NewError(CodePaymentRequired, "missing %s header", HeaderName)
	}

	envelope, err := DecodeRequestEnvelope(headerValue)
	if err != nil {
		return nil, err
	}

	signed := envelope.SignedSubRAV
	sub := signed.SubRAV

	if sub.IsHandshake() {
		return p.settleHandshake(ctx, signed, payerDID)
	}
	return p.settlePayment(ctx, signed, payerDID)
}

// settleHandshake opens (or idempotently re-opens) a sub-channel. No pending
// proposal is consulted and nothing is owed yet. A re-submitted handshake
// leaves the live counters alone and hands back the stored head, so the next
// proposal derives from where the sub-channel actually is.
func (p *Processor) settleHandshake(ctx context.Context, signed *rav.SignedSubRAV, payerDID string) (*Settlement, error) {
	sub := signed.SubRAV

	key := sub.ChannelID + "/" + sub.VMIDFragment
	p.byKey.Lock(key)
	defer p.byKey.Unlock(key)

	if err := p.syncChannelEpoch(ctx, sub.ChannelID, sub.ChannelEpoch); err != nil {
		return nil, err
	}
	if err := p.verify(ctx, signed, payerDID); err != nil {
		return nil, err
	}

	latest, err := p.ravs.Latest(ctx, sub.ChannelID, sub.VMIDFragment)
	if err != nil {
		p.logger.Error("reading stored head failed", zap.Error(err))
		return nil, NewError(CodePaymentProcessingFailed, "storage failure, retry with the same envelope")
	}
	first := latest == nil

	if err := p.persist(ctx, signed); err != nil {
		return nil, err
	}
	if first {
		p.state.UpdateSubChannelState(sub.ChannelID, sub.VMIDFragment, store.SubChannelUpdate{
			Epoch:             &sub.ChannelEpoch,
			AccumulatedAmount: big.NewInt(0),
			Nonce:             store.Uint64Ptr(0),
		})
	}

	base := signed
	if !first {
		base = latest
	}

	p.logger.Debug("handshake accepted",
		zap.String("channel_id", sub.ChannelID),
		zap.String("vm_id_fragment", sub.VMIDFragment),
		zap.Bool("first", first),
	)
	return &Settlement{Signed: base, Handshake: true, First: first, Delta: new(big.Int)}, nil
}

// settlePayment accepts a signed copy of a previously issued proposal. The
// pending lookup through removal runs under the sub-channel lock so nonce
// acceptance stays strictly serialized.
func (p *Processor) settlePayment(ctx context.Context, signed *rav.SignedSubRAV, payerDID string) (*Settlement, error) {
	sub := signed.SubRAV
	key := sub.ChannelID + "/" + sub.VMIDFragment

	p.byKey.Lock(key)
	defer p.byKey.Unlock(key)

	if err := p.syncChannelEpoch(ctx, sub.ChannelID, sub.ChannelEpoch); err != nil {
		return nil, err
	}

	pending := p.pending.Find(sub.ChannelID, sub.Nonce)
	if pending == nil {
		// A client that got no proposal back (free request, lost response)
		// re-submits its latest accepted record; that is an idempotent
		// acceptance, not an unknown proposal.
		latest, err := p.ravs.Latest(ctx, sub.ChannelID, sub.VMIDFragment)
		if err == nil && latest != nil && sub.Equal(latest.SubRAV) {
			return p.resettle(ctx, signed, payerDID)
		}
		return nil, NewError(CodeUnknownSubRAV, "no pending proposal for channel %s nonce %d", sub.ChannelID, sub.Nonce)
	}
	if !sub.Equal(pending) {
		return nil, NewError(CodeTamperedSubRAV, "submitted subRAV does not match pending proposal for nonce %d", sub.Nonce)
	}

	if err := p.verify(ctx, signed, payerDID); err != nil {
		return nil, err
	}

	if err := p.persist(ctx, signed); err != nil {
		return nil, err
	}
	updated := p.state.UpdateSubChannelState(sub.ChannelID, sub.VMIDFragment, store.SubChannelUpdate{
		Epoch:             &sub.ChannelEpoch,
		AccumulatedAmount: sub.AccumulatedAmount,
		Nonce:             &sub.Nonce,
	})
	p.pending.Remove(sub.ChannelID, sub.Nonce)

	delta := new(big.Int).Sub(sub.AccumulatedAmount, updated.LastClaimedAmount)
	if p.notify != nil && delta.Sign() > 0 {
		p.notify(sub.ChannelID, sub.VMIDFragment, delta)
	}

	p.logger.Debug("payment settled",
		zap.String("channel_id", sub.ChannelID),
		zap.String("vm_id_fragment", sub.VMIDFragment),
		zap.Uint64("nonce", sub.Nonce),
		zap.String("accumulated_amount", sub.AccumulatedAmount.String()),
		zap.String("delta", delta.String()),
	)
	return &Settlement{Signed: signed, Delta: delta}, nil
}

// resettle re-accepts a record that is already the stored head. No counters
// move and no claim is notified; the caller still gets a base to propose from.
func (p *Processor) resettle(ctx context.Context, signed *rav.SignedSubRAV, payerDID string) (*Settlement, error) {
	if err := p.verify(ctx, signed, payerDID); err != nil {
		return nil, err
	}

	sub := signed.SubRAV
	state := p.state.SubChannelState(sub.ChannelID, sub.VMIDFragment)
	delta := new(big.Int).Sub(sub.AccumulatedAmount, state.LastClaimedAmount)
	if delta.Sign() < 0 {
		delta.SetInt64(0)
	}
	return &Settlement{Signed: signed, Delta: delta}, nil
}

// syncChannelEpoch establishes the channel's open epoch before any record is
// verified against it. The chain is the authority when a resolver is
// configured; without one the first observed record pins the epoch. A
// chain-confirmed epoch bump voids the previous incarnation: its RAV log and
// live counters are dropped and the new epoch starts from nonce zero.
func (p *Processor) syncChannelEpoch(ctx context.Context, channelID string, claimed uint64) error {
	meta := p.state.ChannelMetadata(channelID)
	if meta == nil {
		epoch := claimed
		if p.channels != nil {
			current, err := p.channels.CurrentEpoch(ctx, channelID)
			if err != nil {
				p.logger.Warn("resolving channel epoch failed", zap.String("channel_id", channelID), zap.Error(err))
				return NewError(CodePaymentProcessingFailed, "resolving channel failed, retry with the same envelope")
			}
			epoch = current
		}
		p.state.SetChannelMetadata(&store.ChannelMetadata{
			ChannelID: channelID,
			OpenEpoch: epoch,
			Status:    store.ChannelStatusActive,
		})
		return nil
	}

	if claimed == meta.OpenEpoch || p.channels == nil {
		// A mismatch without a chain source cannot be confirmed as a reset;
		// verify rejects it against the pinned epoch.
		return nil
	}

	current, err := p.channels.CurrentEpoch(ctx, channelID)
	if err != nil {
		p.logger.Warn("resolving channel epoch failed", zap.String("channel_id", channelID), zap.Error(err))
		return NewError(CodePaymentProcessingFailed, "resolving channel failed, retry with the same envelope")
	}
	if current > meta.OpenEpoch {
		if err := p.ravs.ResetChannel(ctx, channelID); err != nil {
			p.logger.Error("resetting channel log failed", zap.String("channel_id", channelID), zap.Error(err))
			return NewError(CodePaymentProcessingFailed, "storage failure, retry with the same envelope")
		}
		p.state.AdvanceChannelEpoch(channelID, current)
		p.logger.Info("channel epoch advanced",
			zap.String("channel_id", channelID),
			zap.Uint64("from_epoch", meta.OpenEpoch),
			zap.Uint64("to_epoch", current),
		)
	}
	return nil
}

// verify checks the signature under the configured timeout and maps verifier
// failures onto wire codes.
func (p *Processor) verify(ctx context.Context, signed *rav.SignedSubRAV, payerDID string) error {
	ctx, cancel := context.WithTimeout(ctx, p.verifyTimeout)
	defer cancel()

	expectedEpoch := signed.SubRAV.ChannelEpoch
	if meta := p.state.ChannelMetadata(signed.SubRAV.ChannelID); meta != nil {
		expectedEpoch = meta.OpenEpoch
	}

	err := p.verifier.Verify(ctx, signed, payerDID, expectedEpoch)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rav.ErrUnknownVersion):
		return NewError(CodeUnknownVersion, "%v", err)
	case errors.Is(err, rav.ErrChainMismatch):
		return NewError(CodeChainMismatch, "%v", err)
	case errors.Is(err, rav.ErrEpochMismatch):
		return NewError(CodeEpochMismatch, "%v", err)
	case errors.Is(err, rav.ErrInvalidSignature):
		return NewError(CodeInvalidSignature, "%v", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, rav.ErrResolverFailure):
		p.logger.Warn("signature verification failed transiently", zap.Error(err))
		return NewError(CodePaymentProcessingFailed, "verification failed, retry with the same envelope")
	default:
		return NewError(CodePaymentProcessingFailed, "verification failed: %v", err)
	}
}

// persist saves the signed record, retrying transient storage failures with a
// short backoff. Regressions are protocol violations, not transient.
func (p *Processor) persist(ctx context.Context, signed *rav.SignedSubRAV) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), 2), ctx)

	err := backoff.Retry(func() error {
		saveErr := p.ravs.Save(ctx, signed)
		if errors.Is(saveErr, store.ErrRegression) {
			return backoff.Permanent(saveErr)
		}
		return saveErr
	}, policy)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrRegression):
		return NewError(CodeTamperedSubRAV, "submitted subRAV conflicts with the stored record")
	default:
		p.logger.Error("rav persistence failed after retries", zap.Error(err))
		return NewError(CodePaymentProcessingFailed, "storage failure, retry with the same envelope")
	}
}

// Propose emits the next proposal, growing the settled base by cost. A zero
// cost means a free request: nothing new is owed and no proposal is issued.
func (p *Processor) Propose(base *rav.SubRAV, cost *big.Int) (*ResponseEnvelope, error) {
	if cost == nil || cost.Sign() == 0 {
		return &ResponseEnvelope{AmountDebited: "0"}, nil
	}
	if cost.Sign() < 0 {
		return nil, NewError(CodeInternalError, "negative cost")
	}

	next := base.Next(cost)
	if next.AccumulatedAmount.Cmp(rav.MaxAccumulatedAmount) > 0 {
		return nil, NewError(CodePaymentProcessingFailed, "accumulated amount overflow on channel %s", base.ChannelID)
	}

	p.pending.Save(next)
	txRef := p.nextTxRef()

	p.logger.Debug("proposal issued",
		zap.String("channel_id", next.ChannelID),
		zap.Uint64("nonce", next.Nonce),
		zap.String("amount_debited", cost.String()),
		zap.String("service_tx_ref", txRef),
	)
	return ProposalEnvelope(next, cost, txRef), nil
}

func (p *Processor) nextTxRef() string {
	return p.serviceID + "-" + time.Now().UTC().Format("20060102") + "-" + strconv.FormatUint(p.txSeq.Add(1), 10)
}
