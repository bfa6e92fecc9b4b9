package processor

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a payment protocol failure on the wire. Codes are part
// of the response envelope and must stay stable across releases.
type ErrorCode int

const (
	CodeInvalidHeader           ErrorCode = 1
	CodePaymentRequired         ErrorCode = 2
	CodeUnknownSubRAV           ErrorCode = 3
	CodeTamperedSubRAV          ErrorCode = 4
	CodeInvalidSignature        ErrorCode = 5
	CodeEpochMismatch           ErrorCode = 6
	CodeChainMismatch           ErrorCode = 7
	CodeUnknownVersion          ErrorCode = 8
	CodeModelNotSupported       ErrorCode = 9
	CodeMissingAssetID          ErrorCode = 10
	CodeUnauthorized            ErrorCode = 11
	CodeUnknownProvider         ErrorCode = 12
	CodePaymentProcessingFailed ErrorCode = 13
	CodeInternalError           ErrorCode = 14
	CodeUpstreamUnavailable     ErrorCode = 15
	CodeNetworkError            ErrorCode = 16
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInvalidHeader:
		return "INVALID_HEADER"
	case CodePaymentRequired:
		return "PAYMENT_REQUIRED"
	case CodeUnknownSubRAV:
		return "UNKNOWN_SUBRAV"
	case CodeTamperedSubRAV:
		return "TAMPERED_SUBRAV"
	case CodeInvalidSignature:
		return "INVALID_SIGNATURE"
	case CodeEpochMismatch:
		return "EPOCH_MISMATCH"
	case CodeChainMismatch:
		return "CHAIN_MISMATCH"
	case CodeUnknownVersion:
		return "UNKNOWN_VERSION"
	case CodeModelNotSupported:
		return "MODEL_NOT_SUPPORTED"
	case CodeMissingAssetID:
		return "MISSING_ASSET_ID"
	case CodeUnauthorized:
		return "UNAUTHORIZED"
	case CodeUnknownProvider:
		return "UNKNOWN_PROVIDER"
	case CodePaymentProcessingFailed:
		return "PAYMENT_PROCESSING_FAILED"
	case CodeInternalError:
		return "INTERNAL_ERROR"
	case CodeUpstreamUnavailable:
		return "UPSTREAM_UNAVAILABLE"
	case CodeNetworkError:
		return "NETWORK_ERROR"
	default:
		return "UNKNOWN"
	}
}

// HTTPStatus maps the code onto the HTTP status the gateway answers with.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeInvalidHeader, CodeUnknownSubRAV, CodeTamperedSubRAV, CodeInvalidSignature,
		CodeEpochMismatch, CodeChainMismatch, CodeUnknownVersion,
		CodeModelNotSupported, CodeMissingAssetID:
		return http.StatusBadRequest
	case CodePaymentRequired:
		return http.StatusPaymentRequired
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeUnknownProvider:
		return http.StatusNotFound
	case CodeUpstreamUnavailable:
		return http.StatusBadGateway
	case CodeNetworkError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a protocol failure carrying a wire code. Client-visible 4xx codes
// imply no state was mutated.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts a protocol *Error from an error chain. Anything else is
// reported as an internal failure.
func AsError(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return &Error{Code: CodeInternalError, Message: "internal error"}
}
