package types

import "errors"

// ErrorKind classifies failures for retry policy decisions. Policy code
// inspects the kind, never error strings.
type ErrorKind string

const (
	// ErrKindTransport covers network errors, Redis unavailability and
	// gateway 5xx; retry with backoff
	ErrKindTransport ErrorKind = "transport"
	// ErrKindAuth covers invalid keys, expired signatures, replayed nonces
	// and unknown workers; never retried
	ErrKindAuth ErrorKind = "auth"
	// ErrKindValidation covers malformed payloads and bad specs; never
	// retried
	ErrKindValidation ErrorKind = "validation"
	// ErrKindResource covers timeouts and exceeded limits; retryable by
	// task policy
	ErrKindResource ErrorKind = "resource"
	// ErrKindIntegrity covers hash mismatches and traversal attempts; never
	// retried, artifact cache entry quarantined
	ErrKindIntegrity ErrorKind = "integrity"
	// ErrKindBuild covers runtime dependency resolution failures; retryable
	// only when the underlying cause is transient
	ErrKindBuild ErrorKind = "build"
	// ErrKindInternal is everything else
	ErrKindInternal ErrorKind = "internal"
)

// KindError tags an error with its kind while preserving the cause chain.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string { return string(e.Kind) + ": " + e.Err.Error() }
func (e *KindError) Unwrap() error { return e.Err }

// WrapKind tags err with kind. Returns nil for a nil err.
func WrapKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// ClassifyError returns the kind carried by err, or ErrKindInternal when the
// chain carries none.
func ClassifyError(err error) ErrorKind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ErrKindInternal
}

// Retryable reports whether the retry loop may schedule another attempt for
// a failure of this kind. Build failures are conditionally retryable; the
// retry loop checks the wrapped cause.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindAuth, ErrKindValidation, ErrKindIntegrity:
		return false
	default:
		return true
	}
}
