package rav

import (
	"context"
	"errors"
	"fmt"

	"github.com/streamingfast/eth-go"
)

var (
	ErrUnknownVersion   = errors.New("unknown codec version")
	ErrChainMismatch    = errors.New("chain id does not match expected chain")
	ErrEpochMismatch    = errors.New("channel epoch does not match current open epoch")
	ErrResolverFailure  = errors.New("resolving verification key failed")
	ErrInvalidSignature = errors.New("signature does not recover to the sub-channel key")
)

// KeyResolver resolves the on-chain verification key bound to a payer DID and
// verification-method fragment. DID document resolution itself lives outside
// the gateway; implementations typically front a resolver service with a
// cache.
type KeyResolver interface {
	Resolve(ctx context.Context, payerDID, vmIDFragment string) (eth.Address, error)
}

// KeyResolverFunc adapts a function to the KeyResolver interface.
type KeyResolverFunc func(ctx context.Context, payerDID, vmIDFragment string) (eth.Address, error)

func (f KeyResolverFunc) Resolve(ctx context.Context, payerDID, vmIDFragment string) (eth.Address, error) {
	return f(ctx, payerDID, vmIDFragment)
}

// StaticKeyResolver resolves fragments from a fixed map, keyed by
// "payerDid#fragment". Used in tests and the fake client.
type StaticKeyResolver map[string]eth.Address

func (r StaticKeyResolver) Resolve(_ context.Context, payerDID, vmIDFragment string) (eth.Address, error) {
	addr, ok := r[payerDID+"#"+vmIDFragment]
	if !ok {
		return nil, fmt.Errorf("no key registered for %s#%s", payerDID, vmIDFragment)
	}
	return addr, nil
}

// Verifier checks signed records against the expected chain binding and the
// payer's resolved verification key.
type Verifier struct {
	chainID  uint64
	resolver KeyResolver
}

// NewVerifier creates a verifier bound to one chain.
func NewVerifier(chainID uint64, resolver KeyResolver) *Verifier {
	return &Verifier{
		chainID:  chainID,
		resolver: resolver,
	}
}

// Verify re-encodes the record canonically, checks the version, chain and
// epoch bindings, then checks that the signature recovers to the key resolved
// for (payerDid, vmIdFragment). expectedEpoch is the channel's current open
// epoch; records from older incarnations are rejected.
func (v *Verifier) Verify(ctx context.Context, signed *SignedSubRAV, payerDID string, expectedEpoch uint64) error {
	record := signed.SubRAV

	if record.Version != CodecVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrUnknownVersion, record.Version, CodecVersion)
	}
	if record.ChainID != v.chainID {
		return fmt.Errorf("%w: got %d, want %d", ErrChainMismatch, record.ChainID, v.chainID)
	}
	if record.ChannelEpoch != expectedEpoch {
		return fmt.Errorf("%w: got %d, want %d", ErrEpochMismatch, record.ChannelEpoch, expectedEpoch)
	}

	expectedKey, err := v.resolver.Resolve(ctx, payerDID, record.VMIDFragment)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrResolverFailure, err)
	}

	signer, err := signed.RecoverSigner()
	if err != nil {
		return fmt.Errorf("%w: recovery failed: %v", ErrInvalidSignature, err)
	}
	if !addressesEqual(signer, expectedKey) {
		return fmt.Errorf("%w: recovered %s, expected %s", ErrInvalidSignature, signer.Pretty(), expectedKey.Pretty())
	}

	return nil
}

func addressesEqual(a, b eth.Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
