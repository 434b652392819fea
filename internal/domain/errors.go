package domain

import (
	"errors"
	"fmt"
)

// FailKind is the uniform error taxonomy that every provider adapter must
// normalize vendor faults into.
type FailKind string

const (
	FailTimeout         FailKind = "timeout"
	FailRateLimited     FailKind = "rate_limited"
	FailInvalidRequest  FailKind = "invalid_request"
	FailContentRejected FailKind = "content_rejected"
	FailExhausted       FailKind = "all_providers_exhausted"
	FailUnknown         FailKind = "unknown"
)

// ProviderError is the only error type expected failure modes travel in.
// Adapters never let a raw network fault escape without wrapping it here.
type ProviderError struct {
	Provider  string
	Kind      FailKind
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether err is a transient provider failure worth
// retrying. Non-provider errors are not retryable.
func Retryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// KindOf extracts the taxonomy kind from err, or FailUnknown.
func KindOf(err error) FailKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return FailUnknown
}
