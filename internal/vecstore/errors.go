package vecstore

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for vector store operations.
var (
	// ErrRetriesExhausted indicates the retry budget was spent without a
	// successful response. It wraps the final underlying error so callers
	// can distinguish "failed once" from "failed after exhausting retries".
	ErrRetriesExhausted = errors.New("max retries exceeded")

	// ErrCircuitOpen indicates the circuit breaker is rejecting calls to
	// the active index until the cool-down expires.
	ErrCircuitOpen = errors.New("index temporarily unavailable")

	// ErrNoIndexSelected indicates an operation that needs an active index
	// was called before SelectIndex.
	ErrNoIndexSelected = errors.New("no index selected")
)

// APIError is a typed transport failure carrying the HTTP status code and
// the service's error message, enough for callers to decide on user-facing
// messaging.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("vector index returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("vector index returned status %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the failure is transient: HTTP 429 or any 5xx.
// Everything else (other 4xx, decode errors) fails immediately.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// retryableError classifies an error from one request attempt.
func retryableError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return false
}
