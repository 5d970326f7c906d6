// Package errors provides custom error types for the sync server and client.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for protocol and retry purposes.
type Kind string

const (
	// KindConflict marks a stale parent sequence number. Recoverable:
	// the caller re-pulls and retries with the new head.
	KindConflict Kind = "conflict"

	// KindValidation marks a malformed batch or request. The connection
	// stays open; the request is rejected.
	KindValidation Kind = "validation"

	// KindAuth marks a rejected credential. The connection is closed.
	KindAuth Kind = "auth"

	// KindStorage marks persistence unavailability.
	KindStorage Kind = "storage"

	// KindTransport marks a socket-level failure.
	KindTransport Kind = "transport"

	// KindInternal is the fallback for everything else.
	KindInternal Kind = "internal"
)

// Op names the operation during which an error occurred, e.g. "store.Append".
type Op string

// Component names the subsystem that generated the error, e.g. "storage/sqlite".
type Component string

// SyncError is the structured error carried across component boundaries.
type SyncError struct {
	Op        Op
	Component Component
	Kind      Kind
	Err       error
	Retryable bool
	Metadata  map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s failed in %s", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s failed", e.Op)
	}

	if e.Kind != "" {
		msg += fmt.Sprintf(" [%s]", e.Kind)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// E builds a SyncError from a mixed argument list. Recognized types:
// Op, Component, Kind, error, string (message, wrapping any prior error),
// and map[string]interface{} (metadata). Retryability follows the Kind.
func E(args ...interface{}) *SyncError {
	e := &SyncError{Kind: KindInternal}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Component:
			e.Component = a
		case Kind:
			e.Kind = a
		case *SyncError:
			e.Err = a
			if e.Kind == KindInternal {
				e.Kind = a.Kind
			}
		case error:
			e.Err = a
		case string:
			if e.Err != nil {
				e.Err = fmt.Errorf("%s: %w", a, e.Err)
			} else {
				e.Err = errors.New(a)
			}
		case map[string]interface{}:
			e.Metadata = a
		}
	}
	e.Retryable = retryableKind(e.Kind)
	return e
}

func retryableKind(k Kind) bool {
	switch k {
	case KindStorage, KindTransport:
		return true
	default:
		return false
	}
}

// NewConflictError reports a stale parent sequence number.
func NewConflictError(op Op, cause error) *SyncError {
	return E(op, Component("sync"), KindConflict, cause)
}

// NewValidationError reports a malformed request or batch.
func NewValidationError(op Op, cause error) *SyncError {
	return E(op, KindValidation, cause)
}

// NewAuthError reports a rejected credential.
func NewAuthError(op Op, cause error) *SyncError {
	return E(op, Component("auth"), KindAuth, cause)
}

// NewStorageError reports persistence unavailability.
func NewStorageError(op Op, cause error) *SyncError {
	return E(op, Component("store"), KindStorage, cause)
}

// NewTransportError reports a socket-level failure.
func NewTransportError(op Op, cause error) *SyncError {
	return E(op, Component("transport"), KindTransport, cause)
}

// KindOf extracts the Kind of an error chain, or KindInternal if the chain
// carries no SyncError.
func KindOf(err error) Kind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	return KindInternal
}

// IsRetryable checks if an error chain carries a retryable SyncError.
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// IsConflict reports whether the error chain carries a conflict.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsValidation reports whether the error chain carries a validation failure.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsAuth reports whether the error chain carries an auth rejection.
func IsAuth(err error) bool { return KindOf(err) == KindAuth }

// IsStorage reports whether the error chain carries a storage failure.
func IsStorage(err error) bool { return KindOf(err) == KindStorage }
