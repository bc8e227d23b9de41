package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptySet is returned when selection runs on a set with no usable endpoints.
	ErrEmptySet = errors.New("no usable endpoints")
	// ErrInvariantViolation marks corrupted set counts. It indicates a
	// programming error and is never caused by external input.
	ErrInvariantViolation = errors.New("round robin invariant violated")
	// ErrEndpointNotFound is returned when an endpoint key is not in the set.
	ErrEndpointNotFound = errors.New("endpoint not found")

	ErrResolveTimeout   = errors.New("resolve timed out")
	ErrResolveTransient = errors.New("transient resolve failure")
	ErrResolvePermanent = errors.New("permanent resolve failure")

	// ErrPeerUnavailable means the owning peer could not be asked; the caller
	// falls back to the local resolver.
	ErrPeerUnavailable = errors.New("cluster peer unavailable")
	// ErrPeerMiss means the peer answered but had nothing to offer.
	ErrPeerMiss = errors.New("cluster peer has no record")
)

// ResolveError wraps a resolver failure with its classification.
type ResolveError struct {
	Kind error
	Err  error
}

// NewResolveError classifies err as kind (one of the ErrResolve* values).
func NewResolveError(kind, err error) *ResolveError {
	return &ResolveError{Kind: kind, Err: err}
}

func (e *ResolveError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ResolveError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrResolveTransient)
}
