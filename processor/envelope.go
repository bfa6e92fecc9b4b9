package processor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/streamingfast/eth-go"

	"github.com/nuwa-protocol/payment-gateway/rav"
)

// HeaderName carries the payment envelope in both directions, matched
// case-insensitively as all HTTP headers are.
const HeaderName = "X-Payment-Channel-Data"

// EnvelopeVersion is the only request envelope version this gateway accepts.
const EnvelopeVersion = 1

// RequestEnvelope is the client-to-gateway payload: the signed acceptance of
// the previous proposal (or a signed handshake).
type RequestEnvelope struct {
	Version      int               `json:"version"`
	SignedSubRAV *rav.SignedSubRAV `json:"signedSubRav"`
}

// ResponseEnvelope is the gateway-to-client payload: the next unsigned
// proposal plus the amount debited for the current request, or an error.
type ResponseEnvelope struct {
	SubRAV        *rav.SubRAV `json:"subRav,omitempty"`
	AmountDebited string      `json:"amountDebited"`
	ServiceTxRef  string      `json:"serviceTxRef,omitempty"`
	ErrorCode     int         `json:"errorCode,omitempty"`
	Message       string      `json:"message,omitempty"`
}

// The wire form is base64url without padding over compact JSON; headers must
// stay free of '=' and '/' to survive intermediaries.
var envelopeEncoding = base64.RawURLEncoding

func EncodeRequestEnvelope(signed *rav.SignedSubRAV) (string, error) {
	payload, err := json.Marshal(RequestEnvelope{Version: EnvelopeVersion, SignedSubRAV: signed})
	if err != nil {
		return "", fmt.Errorf("encoding request envelope: %w", err)
	}
	return envelopeEncoding.EncodeToString(payload), nil
}

// DecodeRequestEnvelope parses the request header value. All failure modes
// come back as CodeInvalidHeader; the caller handles the absent-header case
// before calling.
func DecodeRequestEnvelope(value string) (*RequestEnvelope, error) {
	raw, err := envelopeEncoding.DecodeString(value)
	if err != nil {
		return nil, NewError(CodeInvalidHeader, "header is not base64url: %v", err)
	}

	var envelope RequestEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, NewError(CodeInvalidHeader, "header payload is not valid JSON: %v", err)
	}
	if envelope.Version != EnvelopeVersion {
		return nil, NewError(CodeInvalidHeader, "unsupported envelope version %d", envelope.Version)
	}
	if envelope.SignedSubRAV == nil || envelope.SignedSubRAV.SubRAV == nil {
		return nil, NewError(CodeInvalidHeader, "envelope carries no signed subRAV")
	}
	if envelope.SignedSubRAV.Signature == (eth.Signature{}) {
		return nil, NewError(CodeInvalidHeader, "envelope carries no signature")
	}
	return &envelope, nil
}

func EncodeResponseEnvelope(envelope *ResponseEnvelope) (string, error) {
	if envelope.AmountDebited == "" {
		envelope.AmountDebited = "0"
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("encoding response envelope: %w", err)
	}
	return envelopeEncoding.EncodeToString(payload), nil
}

// DecodeResponseEnvelope is the client-side counterpart, used by tests and
// payer tooling.
func DecodeResponseEnvelope(value string) (*ResponseEnvelope, error) {
	raw, err := envelopeEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decoding response envelope: %w", err)
	}
	var envelope ResponseEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("parsing response envelope: %w", err)
	}
	return &envelope, nil
}

// ErrorEnvelope builds the response envelope for a failed request.
func ErrorEnvelope(err *Error) *ResponseEnvelope {
	return &ResponseEnvelope{
		AmountDebited: "0",
		ErrorCode:     int(err.Code),
		Message:       err.Message,
	}
}

// ProposalEnvelope builds the response envelope for an accepted request.
func ProposalEnvelope(proposal *rav.SubRAV, amountDebited *big.Int, serviceTxRef string) *ResponseEnvelope {
	amount := "0"
	if amountDebited != nil {
		amount = amountDebited.String()
	}
	return &ResponseEnvelope{
		SubRAV:        proposal,
		AmountDebited: amount,
		ServiceTxRef:  serviceTxRef,
	}
}
