package connectors

import (
	"errors"
	"fmt"
)

// TransientError marks a failure worth retrying with backoff: network
// timeouts, 5xx responses, rate limits.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient source error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// AuthError marks a credential failure. The connection must be flagged
// needs_reauthorization and left alone; retrying cannot help.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("source authorization failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsAuth reports whether err is a credential failure.
func IsAuth(err error) bool {
	var a *AuthError
	return errors.As(err, &a)
}
