// Package errors provides the structured error system for strata with
// kind tags, wrapping, and classification helpers.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind tags an error with the failure class the caller should react to.
type Kind string

const (
	// KindNotFound - the requested object, document, or collection does not exist.
	KindNotFound Kind = "NOT_FOUND"
	// KindAlreadyExists - creation attempted over an existing entity.
	KindAlreadyExists Kind = "ALREADY_EXISTS"
	// KindValidation - bad input: dimension, NaN, schema, oversized filter.
	KindValidation Kind = "VALIDATION"
	// KindConflict - duplicate primary key where rejected, or an
	// optimistic-concurrency loss on the manifest.
	KindConflict Kind = "CONFLICT"
	// KindCorruption - checksum, magic, or version mismatch in persisted data.
	KindCorruption Kind = "CORRUPTION"
	// KindTransient - retryable failure (5xx, 429, timeout, connection reset).
	KindTransient Kind = "TRANSIENT"
	// KindPermanent - non-retryable failure (4xx except 429).
	KindPermanent Kind = "PERMANENT"
	// KindTimeout - operation exceeded its deadline.
	KindTimeout Kind = "TIMEOUT"
	// KindSerialization - encode/decode failure.
	KindSerialization Kind = "SERIALIZATION"
	// KindNotImplemented - operation not supported by this implementation.
	KindNotImplemented Kind = "NOT_IMPLEMENTED"
	// KindInternal - unexpected internal failure.
	KindInternal Kind = "INTERNAL"
)

// Error is a kind-tagged error with an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on kind so sentinel comparisons work across wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if stderrors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates a kind-tagged error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a kind-tagged error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error. A nil cause
// returns nil so call sites can wrap unconditionally.
func Wrap(kind Kind, message string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the kind from an error chain, or KindInternal when the
// error carries no tag.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsValidation reports whether err is a VALIDATION error.
func IsValidation(err error) bool { return IsKind(err, KindValidation) }

// IsCorruption reports whether err is a CORRUPTION error.
func IsCorruption(err error) bool { return IsKind(err, KindCorruption) }

// IsTransient reports whether err is a TRANSIENT error.
func IsTransient(err error) bool { return IsKind(err, KindTransient) }

// Retryable reports whether the error class is safe to retry. Untagged
// errors default to retryable, mirroring the transient-by-default policy
// of the S3 error classifier.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindTimeout, KindInternal:
		return true
	default:
		return false
	}
}
