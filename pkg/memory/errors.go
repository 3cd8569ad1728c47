package memory

import (
	"errors"

	"github.com/m-mizutani/goerr/v2"
)

var (
	// ErrValidation marks malformed caller input. Nothing is mutated when it is returned.
	ErrValidation = goerr.New("invalid memory request")
	// ErrDimensionMismatch marks an embedding whose length differs from the memory space.
	ErrDimensionMismatch = goerr.New("embedding dimension mismatch")
	// ErrProviderUnavailable marks an embedding or emotion provider failure.
	ErrProviderUnavailable = goerr.New("memory provider unavailable")
	// ErrProviderTimeout marks a provider call that exceeded its deadline.
	ErrProviderTimeout = goerr.New("memory provider timeout")
	// ErrNotFound marks an explicit record lookup that missed.
	ErrNotFound = goerr.New("memory not found")
	// ErrQuotaExceeded marks a user whose memory set reached the configured cap.
	ErrQuotaExceeded = goerr.New("memory quota exceeded")

	// errGroupConflict is returned by Store.ReplaceGroup when a member is no longer active.
	errGroupConflict = errors.New("merge group member no longer active")
)

// IsRetryable reports whether err came from a dependency rather than the caller.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrProviderTimeout)
}
