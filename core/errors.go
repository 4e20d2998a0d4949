// Package core holds the types shared by every layer of the memory service:
// the error taxonomy that transports branch on and helpers to classify errors.
package core

import (
	"context"
	"errors"
	"fmt"
)

// Validation errors. All of them wrap ErrValidation so callers can branch on
// the family with errors.Is(err, ErrValidation).
var (
	ErrValidation        = errors.New("validation failed")
	ErrEmptyInput        = fmt.Errorf("%w: text is empty", ErrValidation)
	ErrInvalidID         = fmt.Errorf("%w: id is empty", ErrValidation)
	ErrInvalidTopK       = fmt.Errorf("%w: top_k must be >= 1", ErrValidation)
	ErrDimensionMismatch = fmt.Errorf("%w: embedding dimension mismatch", ErrValidation)
	ErrZeroVector        = fmt.Errorf("%w: embedding has zero magnitude", ErrValidation)
)

var (
	// ErrNotFound is returned by operations keyed on an ID that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrProviderUnavailable means the embedding provider could not be reached
	// or answered with a failure status.
	ErrProviderUnavailable = errors.New("embedding provider unavailable")

	// ErrProviderTimeout means the embedding provider did not answer in time.
	ErrProviderTimeout = errors.New("embedding provider timed out")

	// ErrEmptyResult means the provider answered successfully without a vector.
	ErrEmptyResult = errors.New("embedding provider returned no vector")

	// ErrStoreUnavailable means the persistent index is unreachable or corrupted.
	ErrStoreUnavailable = errors.New("vector store unavailable")
)

// Kind is a stable, transport-friendly name for an error family.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindProviderTimeout     Kind = "provider_timeout"
	KindEmptyResult         Kind = "empty_result"
	KindStoreUnavailable    Kind = "store_unavailable"
	KindInternal            Kind = "internal"
)

// KindOf classifies err. A nil error has an empty kind.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrProviderTimeout):
		return KindProviderTimeout
	case errors.Is(err, ErrEmptyResult):
		return KindEmptyResult
	case errors.Is(err, ErrProviderUnavailable):
		return KindProviderUnavailable
	case errors.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	default:
		return KindInternal
	}
}

// ProviderError maps a transport-level failure from an embedding provider
// onto the taxonomy. Deadline errors become ErrProviderTimeout; anything else
// becomes ErrProviderUnavailable. Errors already classified pass through.
func ProviderError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch KindOf(err) {
	case KindValidation, KindProviderTimeout, KindProviderUnavailable, KindEmptyResult:
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrProviderTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrProviderUnavailable, err)
}

// StoreError marks a backend failure as ErrStoreUnavailable unless it already
// belongs to a known family.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindInternal {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
