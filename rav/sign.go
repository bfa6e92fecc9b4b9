package rav

import (
	"fmt"
	"math/big"

	"github.com/streamingfast/eth-go"
)

// Sign produces a SignedSubRAV by signing the keccak256 digest of the
// canonical encoding. This is the payer-side half of the protocol; the gateway
// itself only verifies, but tests and the fake client need it.
func Sign(record *SubRAV, key *eth.PrivateKey) (*SignedSubRAV, error) {
	hash, err := record.Hash()
	if err != nil {
		return nil, fmt.Errorf("hashing record: %w", err)
	}

	sig, err := key.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("signing record: %w", err)
	}

	return &SignedSubRAV{
		SubRAV:    record,
		Signature: sig,
	}, nil
}

// RecoverSigner recovers the signing address from the detached signature.
func (s *SignedSubRAV) RecoverSigner() (eth.Address, error) {
	hash, err := s.SubRAV.Hash()
	if err != nil {
		return nil, fmt.Errorf("hashing record: %w", err)
	}
	return s.Signature.Recover(hash)
}

// secp256k1 curve order N
var secp256k1N, _ = new(big.Int).SetString(
	"FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEBAAEDCE6AF48A03BBFD25E8CD0364141", 16)
var secp256k1HalfN = new(big.Int).Rsh(secp256k1N, 1)

// NormalizedSignature returns the signature in low-S canonical form. On-chain
// verifiers reject malleable high-S signatures, so claims submit this form
// rather than whatever the payer produced.
func (s *SignedSubRAV) NormalizedSignature() [65]byte {
	var result [65]byte
	copy(result[:], s.Signature[:])

	sVal := new(big.Int).SetBytes(s.Signature[32:64])
	if sVal.Cmp(secp256k1HalfN) > 0 {
		sVal = new(big.Int).Sub(secp256k1N, sVal)
		sBytes := sVal.Bytes()
		for i := 32; i < 64; i++ {
			result[i] = 0
		}
		copy(result[64-len(sBytes):64], sBytes)
		// Flip V (recovery bit)
		result[64] ^= 1
	}

	return result
}
