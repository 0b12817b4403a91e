// Package apperr provides the tagged error surface shared by every layer of
// the server. Each error carries a kind, a stable code, an optional recovery
// hint, and a context map; anything that does not fit one of the named kinds
// is wrapped as Unknown before it reaches a caller.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies an error into one of the eight recognized categories.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindDatabase      Kind = "database"
	KindCache         Kind = "cache"
	KindProtocol      Kind = "protocol"
	KindConfiguration Kind = "configuration"
	KindFileSystem    Kind = "filesystem"
	KindResource      Kind = "resource"
	KindUnknown       Kind = "unknown"
)

// Error is the concrete error type used across the server. It wraps an
// optional cause and renders as a single line; RenderUser produces the
// two-line user-visible form with the recovery hint.
type Error struct {
	Kind     Kind
	Code     string         // Stable machine-readable code, e.g. "DB_OPEN_FAILED"
	Message  string         // Human-readable first line
	Recovery string         // One-line recovery hint, may be empty
	Context  map[string]any // field, operation, path, native code, ...
	Cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// With adds a context key/value and returns the error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, 4)
	}
	e.Context[key] = value
	return e
}

// RenderUser formats the error for tool output: an error-marker first line
// and a Recovery: second line when a hint exists. Stack traces and causes
// stay out of the rendered form; they belong in the log.
func (e *Error) RenderUser() string {
	var b strings.Builder
	b.WriteString("❌ ")
	b.WriteString(e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString(")")
	}
	if e.Recovery != "" {
		b.WriteString("\nRecovery: ")
		b.WriteString(e.Recovery)
	}
	return b.String()
}

// New constructs an Error of the given kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches a cause to a new Error of the given kind. A nil cause
// returns nil so call sites can wrap unconditionally.
func Wrap(kind Kind, code, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Validation builds a validation error for a single field. Validation errors
// are terminal for a call: the handler is never invoked.
func Validation(field, reason string, value any) *Error {
	e := New(KindValidation, "VALIDATION_ERROR",
		fmt.Sprintf("Validation failed for %q: %s", field, reason))
	e.Recovery = "Fix the argument and retry the call."
	e.With("field", field)
	if value != nil {
		e.With("value", value)
	}
	return e
}

// Database wraps a native database error with an operation tag and a
// best-effort recovery hint keyed on the native error text.
func Database(operation string, cause error) *Error {
	e := Wrap(KindDatabase, "DATABASE_ERROR",
		fmt.Sprintf("Database operation %q failed", operation), cause)
	if e == nil {
		return nil
	}
	e.With("operation", operation)
	e.Recovery = databaseRecoveryHint(cause)
	return e
}

// databaseRecoveryHint maps well-known SQLite failure classes to advice.
func databaseRecoveryHint(cause error) string {
	msg := strings.ToLower(cause.Error())
	switch {
	case strings.Contains(msg, "unable to open"), strings.Contains(msg, "cannot open"):
		return "Check the database path exists and the process has read/write permission."
	case strings.Contains(msg, "busy"), strings.Contains(msg, "locked"):
		return "Another process holds the database; retry in a moment."
	case strings.Contains(msg, "corrupt"), strings.Contains(msg, "malformed"):
		return "The database file appears corrupted; restore from a backup or run --discover to locate an intact copy."
	case strings.Contains(msg, "readonly"), strings.Contains(msg, "read-only"):
		return "The database file is read-only; fix the file permissions."
	default:
		return "Inspect the log file for the underlying database error."
	}
}

// AsError extracts an *Error from err, wrapping anything unrecognized as
// KindUnknown so callers always have the structured surface.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{
		Kind:     KindUnknown,
		Code:     "UNKNOWN_ERROR",
		Message:  err.Error(),
		Recovery: "Inspect the log file for details.",
		Cause:    err,
	}
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
