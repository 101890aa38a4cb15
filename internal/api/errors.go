package api

import (
	"errors"
	"fmt"
)

// NetworkError covers timeouts, connectivity loss and unexpected server
// errors on the pull channel. Callers keep the previous snapshot visible and
// retry on explicit user action only.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError means the session token is no longer accepted. It is fatal to
// the session; nothing in this client recovers from it.
type AuthError struct {
	Op string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: session expired or unauthorized", e.Op)
}

// ValidationError means the server rejected the request payload.
type ValidationError struct {
	Op     string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: invalid request", e.Op)
	}
	return fmt.Sprintf("%s: invalid request: %s", e.Op, e.Detail)
}

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsNetwork reports whether err is (or wraps) a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
