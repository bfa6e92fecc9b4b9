package processor

import (
	"math/big"
	"testing"

	"github.com/streamingfast/eth-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuwa-protocol/payment-gateway/rav"
)

func testSignedRAV(t *testing.T, key *eth.PrivateKey, nonce uint64, amount int64) *rav.SignedSubRAV {
	t.Helper()

	signed, err := rav.Sign(&rav.SubRAV{
		Version:           rav.CodecVersion,
		ChainID:           4,
		ChannelID:         "0xchannel",
		ChannelEpoch:      1,
		VMIDFragment:      "key-1",
		AccumulatedAmount: big.NewInt(amount),
		Nonce:             nonce,
	}, key)
	require.NoError(t, err)
	return signed
}

func TestRequestEnvelope_RoundTrip(t *testing.T) {
	key, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)
	signed := testSignedRAV(t, key, 7, 1500)

	value, err := EncodeRequestEnvelope(signed)
	require.NoError(t, err)

	decoded, err := DecodeRequestEnvelope(value)
	require.NoError(t, err)

	assert.True(t, decoded.SignedSubRAV.SubRAV.Equal(signed.SubRAV))
	assert.Equal(t, signed.Signature, decoded.SignedSubRAV.Signature)
}

func TestDecodeRequestEnvelope_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"not base64url", "%%%"},
		{"not json", "bm90LWpzb24"},
		{"empty object", "e30"},
		{"wrong version", "eyJ2ZXJzaW9uIjo5OX0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequestEnvelope(tt.value)
			require.Error(t, err)
			assert.Equal(t, CodeInvalidHeader, AsError(err).Code)
		})
	}
}

func TestDecodeRequestEnvelope_MissingSignature(t *testing.T) {
	key, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)

	// A structurally valid envelope whose signature field is all zeroes must
	// fail as a malformed header, not limp on to signature verification.
	signed := testSignedRAV(t, key, 7, 1500)
	signed.Signature = eth.Signature{}

	value, err := EncodeRequestEnvelope(signed)
	require.NoError(t, err)

	_, err = DecodeRequestEnvelope(value)
	require.Error(t, err)
	assert.Equal(t, CodeInvalidHeader, AsError(err).Code)
}

func TestResponseEnvelope_RoundTrip(t *testing.T) {
	proposal := &rav.SubRAV{
		Version:           rav.CodecVersion,
		ChainID:           4,
		ChannelID:         "0xchannel",
		ChannelEpoch:      1,
		VMIDFragment:      "key-1",
		AccumulatedAmount: big.NewInt(250),
		Nonce:             3,
	}

	value, err := EncodeResponseEnvelope(ProposalEnvelope(proposal, big.NewInt(100), "svc-1"))
	require.NoError(t, err)

	decoded, err := DecodeResponseEnvelope(value)
	require.NoError(t, err)
	assert.True(t, decoded.SubRAV.Equal(proposal))
	assert.Equal(t, "100", decoded.AmountDebited)
	assert.Equal(t, "svc-1", decoded.ServiceTxRef)
	assert.Zero(t, decoded.ErrorCode)
}

func TestErrorEnvelope(t *testing.T) {
	value, err := EncodeResponseEnvelope(ErrorEnvelope(NewError(CodeTamperedSubRAV, "mismatch")))
	require.NoError(t, err)

	decoded, err := DecodeResponseEnvelope(value)
	require.NoError(t, err)
	assert.Nil(t, decoded.SubRAV)
	assert.Equal(t, "0", decoded.AmountDebited)
	assert.Equal(t, int(CodeTamperedSubRAV), decoded.ErrorCode)
	assert.Equal(t, "mismatch", decoded.Message)
}

func TestErrorCode_HTTPStatus(t *testing.T) {
	assert.Equal(t, 400, CodeInvalidHeader.HTTPStatus())
	assert.Equal(t, 402, CodePaymentRequired.HTTPStatus())
	assert.Equal(t, 401, CodeUnauthorized.HTTPStatus())
	assert.Equal(t, 404, CodeUnknownProvider.HTTPStatus())
	assert.Equal(t, 500, CodePaymentProcessingFailed.HTTPStatus())
	assert.Equal(t, 502, CodeUpstreamUnavailable.HTTPStatus())
	assert.Equal(t, 503, CodeNetworkError.HTTPStatus())
}
