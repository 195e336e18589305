package ingest

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error at the core's boundary. Each Kind maps to
// exactly one HTTP status via StatusFor.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindBadIndex
	KindChecksumMismatch
	KindSizeExceeded
	KindSizeMismatch
	KindIOError
	KindCancelled
	KindTimeout
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	case KindBadIndex:
		return "BadIndex"
	case KindChecksumMismatch:
		return "ChecksumMismatch"
	case KindSizeExceeded:
		return "SizeExceeded"
	case KindSizeMismatch:
		return "SizeMismatch"
	case KindIOError:
		return "IOError"
	case KindCancelled:
		return "Cancelled"
	case KindTimeout:
		return "Timeout"
	case KindUnauthorized:
		return "Unauthorized"
	default:
		return "Internal"
	}
}

// StatusFor returns the HTTP status code for a Kind, per the error handling
// design table.
func StatusFor(k Kind) int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindBadIndex, KindChecksumMismatch:
		return http.StatusBadRequest
	case KindSizeExceeded:
		return http.StatusRequestEntityTooLarge
	case KindSizeMismatch, KindIOError, KindInternal:
		return http.StatusInternalServerError
	case KindCancelled:
		return 499 // client closed request, nginx convention
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether errors of this kind are, by taxonomy, eligible
// for RecoveryController handling rather than being terminal.
func (k Kind) Retryable() bool {
	switch k {
	case KindIOError, KindTimeout, KindInternal:
		return true
	default:
		return false
	}
}

// Recovery describes the client-facing recovery hint attached to a
// retryable error response.
type Recovery struct {
	Action     string `json:"action"` // "retry" or "fail"
	DelayMS    int64  `json:"delayMs,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
	MaxAttempt int    `json:"maxAttempt,omitempty"`
}

// Error is the typed error surfaced at the core's boundary.
type Error struct {
	Kind     Kind
	Message  string
	FileID   string
	Recovery *Recovery
	wrapped  error
}

// WithFileID attaches the file this error pertains to and returns e for
// chaining at the call site.
func (e *Error) WithFileID(fileID string) *Error {
	e.FileID = fileID
	return e
}

// WithRecovery attaches a client-facing recovery hint and returns e for
// chaining at the call site.
func (e *Error) WithRecovery(r *Recovery) *Error {
	e.Recovery = r
	return e
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is allows errors.Is(err, ingest.New(KindNotFound, "")) to match any Error
// of the same Kind, ignoring message and wrapped cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an Error of the given Kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given Kind wrapping an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, wrapped: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, and
// KindInternal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// AsError returns err's underlying *Error if it is (or wraps) one, or wraps
// it as KindInternal otherwise — used wherever a recovery hint needs to be
// attached to an error that did not necessarily originate as an *Error.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(KindInternal, "unclassified error", err)
}
