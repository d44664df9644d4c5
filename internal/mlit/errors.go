package mlit

import (
	"errors"
	"fmt"
)

// AuthError means the subscription key was rejected (401/403). There is no
// point continuing the run: every subsequent request would fail the same way.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("mlit: authentication rejected (status %d)", e.Status)
}

// TransientError means a request kept failing with a retryable condition
// (429, 5xx, network) through the whole retry budget. The partition that
// triggered it is skipped; the run continues.
type TransientError struct {
	Attempts int
	Last     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("mlit: request failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *TransientError) Unwrap() error { return e.Last }

// IsAuth reports whether err carries an AuthError anywhere in its chain.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err carries a TransientError in its chain.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
