package reliability

import (
	"context"
	"errors"
)

// ErrCircuitOpen indicates the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// ErrRetryLater marks an explicit retry-later response from a peer.
var ErrRetryLater = errors.New("peer asked to retry later")

type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }

func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps an error so the default classifier never retries it.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// Retryable reports whether an error is worth retrying under the default
// classification: timeouts, transport failures and explicit retry-later
// responses are retryable; breaker-open errors, cancellation and errors
// marked Terminal are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var terminal *terminalError
	if errors.As(err, &terminal) {
		return false
	}
	return true
}
