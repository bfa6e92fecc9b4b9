package rav

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/streamingfast/eth-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPayerDID = "did:example:payer"

func signedTestRAV(t *testing.T) (*SignedSubRAV, *Verifier) {
	t.Helper()

	key, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)

	signed, err := Sign(testSubRAV(), key)
	require.NoError(t, err)

	resolver := StaticKeyResolver{
		testPayerDID + "#key-1": key.PublicKey().Address(),
	}
	return signed, NewVerifier(4, resolver)
}

func TestVerifier_Verify(t *testing.T) {
	signed, verifier := signedTestRAV(t)

	err := verifier.Verify(context.Background(), signed, testPayerDID, 2)
	require.NoError(t, err)
}

func TestVerifier_UnknownVersion(t *testing.T) {
	signed, verifier := signedTestRAV(t)
	signed.SubRAV.Version = 9

	err := verifier.Verify(context.Background(), signed, testPayerDID, 2)
	assert.ErrorIs(t, err, ErrUnknownVersion)
}

func TestVerifier_ChainMismatch(t *testing.T) {
	signed, _ := signedTestRAV(t)

	verifier := NewVerifier(99, StaticKeyResolver{})
	err := verifier.Verify(context.Background(), signed, testPayerDID, 2)
	assert.ErrorIs(t, err, ErrChainMismatch)
}

func TestVerifier_EpochMismatch(t *testing.T) {
	signed, verifier := signedTestRAV(t)

	err := verifier.Verify(context.Background(), signed, testPayerDID, 3)
	assert.ErrorIs(t, err, ErrEpochMismatch)
}

func TestVerifier_ResolverFailure(t *testing.T) {
	signed, _ := signedTestRAV(t)

	boom := errors.New("resolver down")
	verifier := NewVerifier(4, KeyResolverFunc(func(_ context.Context, _, _ string) (eth.Address, error) {
		return nil, boom
	}))

	err := verifier.Verify(context.Background(), signed, testPayerDID, 2)
	assert.ErrorIs(t, err, ErrResolverFailure)
}

func TestVerifier_InvalidSignature(t *testing.T) {
	signed, verifier := signedTestRAV(t)

	// A different key signed the record.
	otherKey, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)
	resigned, err := Sign(signed.SubRAV, otherKey)
	require.NoError(t, err)

	err = verifier.Verify(context.Background(), resigned, testPayerDID, 2)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifier_TamperedRecord(t *testing.T) {
	signed, verifier := signedTestRAV(t)

	// Mutating any signed field breaks recovery against the resolved key.
	signed.SubRAV.Nonce++

	err := verifier.Verify(context.Background(), signed, testPayerDID, 2)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestSignedSubRAV_NormalizedSignatureLowS(t *testing.T) {
	signed, _ := signedTestRAV(t)

	normalized := signed.NormalizedSignature()
	assert.Equal(t, normalized, signed.NormalizedSignature())

	sVal := new(big.Int).SetBytes(normalized[32:64])
	assert.LessOrEqual(t, sVal.Cmp(secp256k1HalfN), 0, "normalized S must be in the low half of the curve order")
}

func TestSignedSubRAV_NormalizedSignatureCanonicalizesTwin(t *testing.T) {
	signed, _ := signedTestRAV(t)

	// The malleable twin flips S to N-s and the recovery bit; both verify the
	// same payload but only one canonical form exists.
	twin := &SignedSubRAV{SubRAV: signed.SubRAV, Signature: signed.Signature}
	sVal := new(big.Int).SetBytes(twin.Signature[32:64])
	flipped := new(big.Int).Sub(secp256k1N, sVal)
	for i := 32; i < 64; i++ {
		twin.Signature[i] = 0
	}
	sBytes := flipped.Bytes()
	copy(twin.Signature[64-len(sBytes):64], sBytes)
	twin.Signature[64] ^= 1

	assert.Equal(t, signed.NormalizedSignature(), twin.NormalizedSignature())
}

func TestSignedSubRAV_RecoverSigner(t *testing.T) {
	key, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)

	signed, err := Sign(testSubRAV(), key)
	require.NoError(t, err)

	signer, err := signed.RecoverSigner()
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey().Address().Pretty(), signer.Pretty())
}
