package errs

import (
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

// Kind classifies an error for programmatic handling.
type Kind string

const (
	// Validation indicates bad input. No side effects happened.
	Validation Kind = "validation"
	// DuplicateTenant indicates a record already exists for the tenant.
	DuplicateTenant Kind = "duplicate_tenant"
	// HostUnreachable indicates the database host did not resolve.
	HostUnreachable Kind = "host_unreachable"
	// Directory indicates malformed or missing upstream tenant metadata.
	Directory Kind = "directory"
	// Decryption indicates a stored credential could not be decrypted.
	Decryption Kind = "decryption"
	// Configuration indicates missing or invalid local configuration.
	Configuration Kind = "configuration"
	// ConnectionTest indicates the tenant database refused a test connection.
	ConnectionTest Kind = "connection_test"
	// AlreadyRegistered indicates the alias is already in the connection registry.
	AlreadyRegistered Kind = "already_registered"
	// Migration indicates applying the tenant schema failed.
	Migration Kind = "migration"
	// Authorization indicates a cross-tenant or unbound-tenant access attempt.
	Authorization Kind = "authorization"
	// NotFound indicates the tenant is unknown.
	NotFound Kind = "not_found"
	// Internal indicates an unexpected error condition.
	Internal Kind = "internal"
)

// SummaryLimit bounds the detail exposed to external callers.
const SummaryLimit = 280

// Error carries a kind, a human readable message and an optional cause.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs an Error of the given kind.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind around err.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error to the status code returned by the API.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation:
		return http.StatusBadRequest
	case DuplicateTenant, AlreadyRegistered:
		return http.StatusConflict
	case HostUnreachable, ConnectionTest, Decryption:
		return http.StatusUnprocessableEntity
	case Directory:
		return http.StatusBadGateway
	case Authorization:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Summary returns the message of err safe to hand to an external caller.
// Driver detail is kept but truncated; errors without a kind are hidden.
func Summary(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	msg := e.Message
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return Truncate(msg, SummaryLimit)
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
