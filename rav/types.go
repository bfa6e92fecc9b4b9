package rav

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/streamingfast/eth-go"
)

// CodecVersion is the only SubRAV codec version this implementation understands.
const CodecVersion uint8 = 1

// MaxAccumulatedAmount bounds the accumulated amount to 256 bits so the
// canonical encoding stays fixed width.
var MaxAccumulatedAmount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// SubRAV is the immutable receipt-and-value record describing the cumulative
// obligation of a payer to a payee under one sub-channel. The sub-channel is
// identified by (ChannelID, VMIDFragment); (ChannelID, ChannelEpoch) is the
// logical channel identity across resets.
type SubRAV struct {
	Version           uint8    `json:"version"`
	ChainID           uint64   `json:"chainId"`
	ChannelID         string   `json:"channelId"`
	ChannelEpoch      uint64   `json:"channelEpoch"`
	VMIDFragment      string   `json:"vmIdFragment"`
	AccumulatedAmount *big.Int `json:"accumulatedAmount"`
	Nonce             uint64   `json:"nonce"`
}

// SignedSubRAV wraps a SubRAV with a detached signature over its canonical
// byte encoding, produced by the key identified by VMIDFragment.
type SignedSubRAV struct {
	SubRAV    *SubRAV       `json:"subRav"`
	Signature eth.Signature `json:"signature"`
}

// Equal reports whether two SubRAVs match field by field. Signatures are not
// part of the comparison; the processor uses this to detect tampered
// submissions against the pending proposal.
func (r *SubRAV) Equal(other *SubRAV) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.Version == other.Version &&
		r.ChainID == other.ChainID &&
		r.ChannelID == other.ChannelID &&
		r.ChannelEpoch == other.ChannelEpoch &&
		r.VMIDFragment == other.VMIDFragment &&
		bigIntsEqual(r.AccumulatedAmount, other.AccumulatedAmount) &&
		r.Nonce == other.Nonce
}

// Next derives the successor proposal for this sub-channel, advancing the
// nonce by one and growing the accumulated amount by cost.
func (r *SubRAV) Next(cost *big.Int) *SubRAV {
	accumulated := new(big.Int).Set(r.AccumulatedAmount)
	if cost != nil {
		accumulated.Add(accumulated, cost)
	}
	return &SubRAV{
		Version:           r.Version,
		ChainID:           r.ChainID,
		ChannelID:         r.ChannelID,
		ChannelEpoch:      r.ChannelEpoch,
		VMIDFragment:      r.VMIDFragment,
		AccumulatedAmount: accumulated,
		Nonce:             r.Nonce + 1,
	}
}

// IsHandshake reports whether this record opens a sub-channel: both the nonce
// and the accumulated amount are zero.
func (r *SubRAV) IsHandshake() bool {
	return r.Nonce == 0 && (r.AccumulatedAmount == nil || r.AccumulatedAmount.Sign() == 0)
}

// Hash returns the keccak256 digest of the canonical encoding. This is the
// message the payer signs.
func (r *SubRAV) Hash() (eth.Hash, error) {
	encoded, err := r.Encode()
	if err != nil {
		return nil, err
	}
	return eth.Keccak256(encoded), nil
}

func (r *SubRAV) String() string {
	return fmt.Sprintf("SubRAV{channel=%s epoch=%d fragment=%s nonce=%d amount=%s}",
		r.ChannelID, r.ChannelEpoch, r.VMIDFragment, r.Nonce, r.AccumulatedAmount)
}

type subRAVJSON struct {
	Version           uint8  `json:"version"`
	ChainID           uint64 `json:"chainId"`
	ChannelID         string `json:"channelId"`
	ChannelEpoch      uint64 `json:"channelEpoch"`
	VMIDFragment      string `json:"vmIdFragment"`
	AccumulatedAmount string `json:"accumulatedAmount"`
	Nonce             uint64 `json:"nonce"`
}

// MarshalJSON encodes the accumulated amount as a decimal string so the wire
// envelope survives JSON implementations without big integer support.
func (r *SubRAV) MarshalJSON() ([]byte, error) {
	amount := "0"
	if r.AccumulatedAmount != nil {
		amount = r.AccumulatedAmount.String()
	}
	return json.Marshal(subRAVJSON{
		Version:           r.Version,
		ChainID:           r.ChainID,
		ChannelID:         r.ChannelID,
		ChannelEpoch:      r.ChannelEpoch,
		VMIDFragment:      r.VMIDFragment,
		AccumulatedAmount: amount,
		Nonce:             r.Nonce,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *SubRAV) UnmarshalJSON(data []byte) error {
	var aux subRAVJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	amount, ok := new(big.Int).SetString(aux.AccumulatedAmount, 10)
	if !ok {
		return fmt.Errorf("invalid accumulated amount %q", aux.AccumulatedAmount)
	}
	*r = SubRAV{
		Version:           aux.Version,
		ChainID:           aux.ChainID,
		ChannelID:         aux.ChannelID,
		ChannelEpoch:      aux.ChannelEpoch,
		VMIDFragment:      aux.VMIDFragment,
		AccumulatedAmount: amount,
		Nonce:             aux.Nonce,
	}
	return nil
}

func bigIntsEqual(a, b *big.Int) bool {
	if a == nil || b == nil {
		return (a == nil || a.Sign() == 0) && (b == nil || b.Sign() == 0)
	}
	return a.Cmp(b) == 0
}
