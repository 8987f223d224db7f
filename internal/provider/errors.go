package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthExpired means the remote credential is no longer accepted. It is
	// never retried.
	ErrAuthExpired = errors.New("provider: authorization expired")
	// ErrCursorExpired means a change-feed cursor can no longer be used.
	ErrCursorExpired = errors.New("provider: history cursor expired")
	// ErrTransient wraps failures that survived every retry attempt.
	ErrTransient = errors.New("provider: transient failure")
)

// AuthError carries the provider response that revoked access.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool { return target == ErrAuthExpired }

// IsAuthExpired reports whether err (or any error in its chain) is an
// authorization failure.
func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
