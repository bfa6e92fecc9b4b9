package rav

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSubRAV() *SubRAV {
	return &SubRAV{
		Version:           CodecVersion,
		ChainID:           4,
		ChannelID:         "0xchannel-abc",
		ChannelEpoch:      2,
		VMIDFragment:      "key-1",
		AccumulatedAmount: big.NewInt(123456789),
		Nonce:             7,
	}
}

func TestSubRAV_EncodeDecodeRoundTrip(t *testing.T) {
	original := testSubRAV()

	encoded, err := original.Encode()
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)

	assert.True(t, original.Equal(decoded))
	assert.Equal(t, original.Version, decoded.Version)
	assert.Equal(t, original.ChainID, decoded.ChainID)
	assert.Equal(t, original.ChannelID, decoded.ChannelID)
	assert.Equal(t, original.ChannelEpoch, decoded.ChannelEpoch)
	assert.Equal(t, original.VMIDFragment, decoded.VMIDFragment)
	assert.Equal(t, 0, original.AccumulatedAmount.Cmp(decoded.AccumulatedAmount))
	assert.Equal(t, original.Nonce, decoded.Nonce)
}

func TestSubRAV_EncodeDeterministic(t *testing.T) {
	a, err := testSubRAV().Encode()
	require.NoError(t, err)

	b, err := testSubRAV().Encode()
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestSubRAV_EncodeInjective(t *testing.T) {
	base := testSubRAV()

	variants := []*SubRAV{
		func() *SubRAV { r := *base; r.ChainID = 5; return &r }(),
		func() *SubRAV { r := *base; r.ChannelID = "0xchannel-abd"; return &r }(),
		func() *SubRAV { r := *base; r.ChannelEpoch = 3; return &r }(),
		func() *SubRAV { r := *base; r.VMIDFragment = "key-2"; return &r }(),
		func() *SubRAV { r := *base; r.AccumulatedAmount = big.NewInt(123456790); return &r }(),
		func() *SubRAV { r := *base; r.Nonce = 8; return &r }(),
		// Shifting a byte between the two variable-length fields must not
		// produce the same byte string.
		func() *SubRAV { r := *base; r.ChannelID = "0xchannel-abck"; r.VMIDFragment = "ey-1"; return &r }(),
	}

	baseEncoded, err := base.Encode()
	require.NoError(t, err)

	for _, v := range variants {
		encoded, err := v.Encode()
		require.NoError(t, err)
		assert.NotEqual(t, baseEncoded, encoded, "variant %s collided with base", v)
	}
}

func TestSubRAV_EncodeZeroAmount(t *testing.T) {
	record := testSubRAV()
	record.AccumulatedAmount = nil
	record.Nonce = 0

	encoded, err := record.Encode()
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, 0, decoded.AccumulatedAmount.Sign())
	assert.True(t, decoded.IsHandshake())
}

func TestSubRAV_EncodeAmountBounds(t *testing.T) {
	record := testSubRAV()

	record.AccumulatedAmount = new(big.Int).Set(MaxAccumulatedAmount)
	encoded, err := record.Encode()
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, 0, decoded.AccumulatedAmount.Cmp(MaxAccumulatedAmount))

	record.AccumulatedAmount = new(big.Int).Add(MaxAccumulatedAmount, big.NewInt(1))
	_, err = record.Encode()
	assert.ErrorIs(t, err, ErrAmountOverflow)

	record.AccumulatedAmount = big.NewInt(-1)
	_, err = record.Encode()
	assert.ErrorIs(t, err, ErrAmountNegative)
}

func TestDecode_Truncated(t *testing.T) {
	encoded, err := testSubRAV().Encode()
	require.NoError(t, err)

	for _, cut := range []int{0, 1, 8, 13, len(encoded) / 2, len(encoded) - 1} {
		_, err := Decode(encoded[:cut])
		assert.Error(t, err, "cut at %d should fail", cut)
	}
}

func TestDecode_TrailingBytes(t *testing.T) {
	encoded, err := testSubRAV().Encode()
	require.NoError(t, err)

	_, err = Decode(append(encoded, 0x00))
	assert.ErrorIs(t, err, ErrTrailingBytes)
}

func TestSubRAV_Next(t *testing.T) {
	record := testSubRAV()

	next := record.Next(big.NewInt(100))
	assert.Equal(t, record.Nonce+1, next.Nonce)
	assert.Equal(t, int64(123456889), next.AccumulatedAmount.Int64())
	assert.Equal(t, record.ChannelID, next.ChannelID)
	assert.Equal(t, record.ChannelEpoch, next.ChannelEpoch)
	assert.Equal(t, record.VMIDFragment, next.VMIDFragment)

	// The parent record is untouched.
	assert.Equal(t, int64(123456789), record.AccumulatedAmount.Int64())
}

func TestSubRAV_JSONRoundTrip(t *testing.T) {
	original := testSubRAV()
	original.AccumulatedAmount, _ = new(big.Int).SetString("340282366920938463463374607431768211456", 10)

	data, err := original.MarshalJSON()
	require.NoError(t, err)

	var decoded SubRAV
	require.NoError(t, decoded.UnmarshalJSON(data))
	assert.True(t, original.Equal(&decoded))
}
