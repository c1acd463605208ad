// Package errs defines the error-kind taxonomy shared across the ingest
// pipeline, storage engine, and write queue. Components convert internal
// failures into one of these kinds at their boundary; callers classify by
// kind, never by concrete type assertion on a third-party error.
package errs

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy from the error handling design.
type Kind int

const (
	// Validation marks a malformed entry or invalid flag combination.
	// Surfaced to the caller; skips the single offending item.
	Validation Kind = iota
	// TransientRemote marks a 429/5xx/timeout from a remote collaborator.
	// Retried with backoff by the caller.
	TransientRemote
	// Auth marks a 401/403. Fatal for the current run.
	Auth
	// Cancelled is raised by write queue cancel(fileKey).
	Cancelled
	// Shutdown is raised by destroy() or a process signal.
	Shutdown
	// Storage marks a constraint violation or I/O failure. Aborts the
	// current batch and propagates.
	Storage
	// CorruptState marks malformed state/health JSON or missing required
	// fields. Treated as absent; the caller resets state.
	CorruptState
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "ValidationError"
	case TransientRemote:
		return "TransientRemoteError"
	case Auth:
		return "AuthError"
	case Cancelled:
		return "Cancelled"
	case Shutdown:
		return "Shutdown"
	case Storage:
		return "StorageError"
	case CorruptState:
		return "CorruptStateError"
	default:
		return "UnknownError"
	}
}

// Error wraps an underlying cause with a classification kind and optional
// context (the offending file, and entry subject when available) so the
// CLI surface can always report "what failed and where" per the error
// handling design.
type Error struct {
	Kind    Kind
	File    string
	Subject string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.File != "" {
		msg = fmt.Sprintf("%s (file=%s)", msg, e.File)
	}
	if e.Subject != "" {
		msg = fmt.Sprintf("%s (subject=%q)", msg, e.Subject)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind wrapping cause.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// WithFile attaches the offending file path.
func (e *Error) WithFile(path string) *Error {
	e.File = path
	return e
}

// WithSubject attaches the offending entry subject.
func (e *Error) WithSubject(subject string) *Error {
	e.Subject = subject
	return e
}

// Is reports whether err carries the given kind, unwrapping through any
// wrapper chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ExitCode maps an error (possibly nil) to the process exit code defined
// in the external interfaces section: 0 success, 1 fatal error, 130
// shutdown requested before completion.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if Is(err, Shutdown) {
		return 130
	}
	return 1
}
