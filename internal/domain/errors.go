package domain

import (
	"fmt"

	"github.com/go-faster/errors"
)

// ErrorKind is the machine-distinguishable class of an engine error.
type ErrorKind string

const (
	KindValidation         ErrorKind = "VALIDATION"
	KindConflict           ErrorKind = "CONFLICT"
	KindStaleDiff          ErrorKind = "STALE_DIFF"
	KindPartialApplication ErrorKind = "PARTIAL_APPLICATION"
	KindMissingHistory     ErrorKind = "MISSING_HISTORY"
	KindNotFound           ErrorKind = "NOT_FOUND"
	KindForbidden          ErrorKind = "FORBIDDEN"
	KindInternal           ErrorKind = "INTERNAL"
)

// Error is the error type surfaced by the reconciliation engine. Details
// carries structured context such as the offending row or the blocking
// change sources.
type Error struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithDetail returns e with an additional structured detail.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NewError builds an engine error of the given kind.
func NewError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// RowError reports a row-level validation failure. Row numbers are 1-based
// and include the header row.
func RowError(row int, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	return NewError(KindValidation, nil, "row %d: %s", row, msg).WithDetail("row", row)
}

// HeaderError reports a header-level validation failure.
func HeaderError(format string, args ...any) *Error {
	return NewError(KindValidation, nil, "header: "+format, args...)
}

// KindOf returns the kind of the first engine error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) ErrorKind {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries an engine error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var engineErr *Error
	return errors.As(err, &engineErr) && engineErr.Kind == kind
}

// AsError returns the engine error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr, true
	}
	return nil, false
}
