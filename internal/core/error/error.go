package errx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a pipeline failure. Kinds map onto the terminal and
// non-terminal conditions the orchestrator records in the audit trail.
type Kind string

const (
	KindSecurityBlocked  Kind = "security_blocked"
	KindAmbiguousIntent  Kind = "ambiguous_intent"
	KindNoConfidentModel Kind = "no_confident_model"
	KindUnresolvedEntity Kind = "unresolved_entity"
	KindExecution        Kind = "execution_failure"
	KindNoData           Kind = "no_data"
	KindInternal         Kind = "internal_fault"
	KindCancelled        Kind = "cancelled"
	KindRedis            Kind = "redis"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage is used when a key does not exist.
	RedisNotFoundMessage = "redis key not found"
	// ApologyMessage is what a user sees for any internal fault.
	ApologyMessage = "Sorry, something went wrong while answering your question. Please try again later."
	// TransientMessage is what a user sees when execution keeps failing.
	TransientMessage = "The data catalog is temporarily unavailable. Please try again in a moment."
	// NoDataMessage is what a user sees when the catalog reports no matching data.
	NoDataMessage = "No matching data was found for your question."
)

// AppError wraps an underlying error with a kind, an HTTP status and a safe message.
// Message is the only text that may reach an end user.
type AppError struct {
	Kind      Kind
	Err       error
	Status    int
	Message   string
	Retryable bool
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the provided information.
func New(err error, status int, message string) *AppError {
	return &AppError{
		Kind:    KindInternal,
		Err:     err,
		Status:  status,
		Message: message,
	}
}

// Newf creates an AppError of the given kind.
func Newf(kind Kind, err error, status int, message string) *AppError {
	return &AppError{
		Kind:    kind,
		Err:     err,
		Status:  status,
		Message: message,
	}
}

// SecurityBlocked reports a gate denial. reason is the user-safe explanation.
func SecurityBlocked(reason string) *AppError {
	return Newf(KindSecurityBlocked, nil, http.StatusForbidden, reason)
}

// AmbiguousIntent reports that the question could not be classified.
func AmbiguousIntent(message string) *AppError {
	return Newf(KindAmbiguousIntent, nil, http.StatusUnprocessableEntity, message)
}

// NoConfidentModel reports that no catalog model could be selected.
func NoConfidentModel(message string) *AppError {
	return Newf(KindNoConfidentModel, nil, http.StatusUnprocessableEntity, message)
}

// UnresolvedEntity reports that a value the question filters by could not be
// tied to any field.
func UnresolvedEntity(message string) *AppError {
	return Newf(KindUnresolvedEntity, nil, http.StatusUnprocessableEntity, message)
}

// Execution reports an execution adapter failure. Retryable marks it transient.
func Execution(err error, retryable bool) *AppError {
	e := Newf(KindExecution, err, http.StatusBadGateway, TransientMessage)
	e.Retryable = retryable
	return e
}

// NoData reports that the catalog had nothing for the query. Never retried.
func NoData(err error) *AppError {
	return Newf(KindNoData, err, http.StatusNotFound, NoDataMessage)
}

// Internal reports a defect. The user only ever sees the apology.
func Internal(err error) *AppError {
	return Newf(KindInternal, err, http.StatusInternalServerError, ApologyMessage)
}

// Cancelled reports that the caller abandoned the query.
func Cancelled(err error) *AppError {
	return Newf(KindCancelled, err, 499, "query cancelled")
}

// Is reports whether the target matches the underlying error or the AppError itself.
func (e *AppError) Is(target error) bool {
	if t, ok := target.(*AppError); ok {
		return t.Kind == e.Kind
	}
	return errors.Is(e.Err, target)
}

// As allows casting to AppError or the wrapped error in a chain.
func (e *AppError) As(target any) bool {
	if t, ok := target.(**AppError); ok {
		*t = e
		return true
	}
	if e.Err != nil && errors.As(e.Err, target) {
		return true
	}
	return false
}

// KindOf returns the kind carried by err. Context cancellation maps to
// KindCancelled and anything unclassified is an internal fault.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// IsRetryable reports whether err is marked as transient.
func IsRetryable(err error) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// UserMessage returns the safe text for err, never the wrapped detail.
func UserMessage(err error) string {
	var ae *AppError
	if errors.As(err, &ae) && ae.Message != "" {
		return ae.Message
	}
	return ApologyMessage
}
