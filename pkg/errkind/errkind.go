// Package errkind provides tagged error values for the error taxonomy in
// spec.md §7, inspected with errors.As rather than string matching, per the
// design note in spec.md §9 ("OAuth exceptions for control flow → tagged
// error values").
package errkind

import (
	"errors"
	"fmt"
)

// Kind names a disposition class from the error taxonomy.
type Kind string

const (
	TransientBus             Kind = "transient_bus"
	PermanentBadMessage      Kind = "permanent_bad_message"
	TransientObjectStore     Kind = "transient_object_store"
	PermanentObjectStore     Kind = "permanent_object_store"
	ParserAbsent             Kind = "parser_absent"
	ParserFailed             Kind = "parser_failed"
	RepositoryConflict       Kind = "repository_conflict"
	EmbeddingUnavailable     Kind = "embedding_unavailable"
	AuthInvalidGrant         Kind = "auth_invalid_grant"
	AuthInvalidClient        Kind = "auth_invalid_client"
	AuthAuthorizationPending Kind = "auth_authorization_pending"
	AuthSignatureInvalid     Kind = "auth_signature_invalid"
	AuthTokenExpired         Kind = "auth_token_expired"
)

// Error wraps a cause with a disposition Kind.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New wraps cause with the given Kind.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Newf builds a Kind-tagged error from a format string.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Cause: fmt.Errorf(format, args...)}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// As extracts the first *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
