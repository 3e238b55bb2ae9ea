// Package domainerr defines the domain error taxonomy shared by all
// handlers and reducers.
//
// Domain errors are data, not control flow: handlers return them across
// their boundary instead of panicking, and the dispatcher maps each kind
// to a retry / reject / quarantine decision. Every error carries the
// correlation id of the operation that produced it so failures can be
// traced end-to-end.
package domainerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a domain error for dispatch decisions.
type Kind string

// Error kinds. The set is closed; adding a kind is a breaking change to
// the dispatcher's decision table.
const (
	KindSchemaViolation   Kind = "schema_violation"   // non-retryable, quarantine
	KindInvalidTransition Kind = "invalid_transition" // non-retryable, logged
	KindStaleLease        Kind = "stale_lease"        // retryable after re-propose
	KindConflict          Kind = "conflict"           // retryable on redelivery only
	KindTransientIO       Kind = "transient_io"       // retryable with backoff
	KindFatalConfig       Kind = "fatal_config"       // crash at startup
	KindQuarantined       Kind = "quarantined"        // handler permanently rejected
)

// Error is a structured domain error. CorrelationID is mandatory for
// anything raised after envelope decode; startup errors may leave it empty.
type Error struct {
	Kind          Kind
	CorrelationID string
	Message       string
	// BackoffHint suggests a redelivery delay for retryable kinds.
	// Zero means "dispatcher default".
	BackoffHint time.Duration
	Err         error
}

func (e *Error) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("%s [correlation_id=%s]: %s", e.Kind, e.CorrelationID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether redelivery can make the error go away.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindStaleLease, KindConflict, KindTransientIO:
		return true
	default:
		return false
	}
}

// New creates a domain error of the given kind.
func New(kind Kind, correlationID, format string, args ...any) *Error {
	return &Error{
		Kind:          kind,
		CorrelationID: correlationID,
		Message:       fmt.Sprintf(format, args...),
	}
}

// Wrap creates a domain error wrapping an underlying cause.
func Wrap(kind Kind, correlationID string, err error, format string, args ...any) *Error {
	return &Error{
		Kind:          kind,
		CorrelationID: correlationID,
		Message:       fmt.Sprintf(format, args...),
		Err:           err,
	}
}

// SchemaViolation marks an envelope or payload that fails schema checks.
func SchemaViolation(correlationID, format string, args ...any) *Error {
	return New(KindSchemaViolation, correlationID, format, args...)
}

// InvalidTransition marks an FSM or lifecycle edge that is not allowed.
func InvalidTransition(correlationID, format string, args ...any) *Error {
	return New(KindInvalidTransition, correlationID, format, args...)
}

// StaleLease marks a mutation attempted with an expired or stolen lease.
func StaleLease(correlationID, format string, args ...any) *Error {
	return New(KindStaleLease, correlationID, format, args...)
}

// Conflict marks a lost compare-and-set race.
func Conflict(correlationID, format string, args ...any) *Error {
	return New(KindConflict, correlationID, format, args...)
}

// TransientIO wraps a DB / bus / memory-service availability failure.
func TransientIO(correlationID string, err error, format string, args ...any) *Error {
	return Wrap(KindTransientIO, correlationID, err, format, args...)
}

// FatalConfig marks missing or invalid required configuration.
func FatalConfig(format string, args ...any) *Error {
	return New(KindFatalConfig, "", format, args...)
}

// Quarantined marks a message a handler permanently rejected.
func Quarantined(correlationID, format string, args ...any) *Error {
	return New(KindQuarantined, correlationID, format, args...)
}

// KindOf returns the Kind of err, or "" when err is not a domain error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// Is reports whether err is a domain error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// CorrelationOf returns the correlation id carried by err, if any.
func CorrelationOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.CorrelationID
	}
	return ""
}
