package bybit

import (
	"errors"
	"fmt"
)

// ErrMissingCredentials is fatal at startup; the supervisor does not
// restart a process that cannot authenticate.
var ErrMissingCredentials = errors.New("bybit: API key/secret required")

// V5 return codes that must never be retried: parameter, permission,
// signature, balance and already-filled/cancelled classes. Retrying them
// is futile or dangerous (a resubmit after a balance error could
// double-risk once the account is topped up).
var nonRetryableCodes = map[int]bool{
	10001:  true, // invalid parameters
	10002:  true, // logic error (e.g. order not found for modification)
	10004:  true, // invalid API key or permissions
	10005:  true, // invalid signature
	110001: true, // category required
	110006: true, // qty required
	110007: true, // price required for limit order
	110012: true, // qty too low/high
	110013: true, // price too low/high
	110017: true, // order not found or already filled/cancelled
	110020: true, // insufficient balance
	110043: true, // SL/TP cannot be set
}

// APIError is the typed result of a failed exchange call. The retryable
// classification is decided here, once, at the boundary where the error
// is received.
type APIError struct {
	RetCode    int
	HTTPStatus int
	Msg        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit api error: code=%d status=%d msg=%q", e.RetCode, e.HTTPStatus, e.Msg)
}

// Retryable reports whether the call may be repeated: 5xx and rate-limit
// signals only.
func (e *APIError) Retryable() bool {
	if e.HTTPStatus >= 500 {
		return true
	}
	if e.RetCode == 10006 || e.HTTPStatus == 429 { // rate limit
		return true
	}
	return false
}

// IsRetryable classifies any error from a client call. Transport errors
// (no APIError) are retryable; API errors carry their own classification.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}
