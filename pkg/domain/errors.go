package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures into the stable categories surfaced to clients.
type ErrorKind string

const (
	KindAuth          ErrorKind = "unauthorized"
	KindNotFound      ErrorKind = "not_found"
	KindInvalidInput  ErrorKind = "invalid_input"
	KindInvalidState  ErrorKind = "invalid_state"
	KindStorageWrite  ErrorKind = "storage_write"
	KindStorageRead   ErrorKind = "storage_read"
	KindGeneration    ErrorKind = "generation_failed"
	KindPartialDelete ErrorKind = "partial_delete"
	KindRateLimited   ErrorKind = "rate_limited"
	KindInternal      ErrorKind = "internal"
)

const internalDetail = "internal error"

// Error carries a kind, a human-readable detail safe to show to clients, and
// an optional cause that is never shown.
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

// NewError builds an Error.
func NewError(kind ErrorKind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first Error in err's chain, or KindInternal.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// DetailOf returns the client-facing detail for err. Errors outside the
// taxonomy, and internal ones, collapse to a generic message.
func DetailOf(err error) string {
	var de *Error
	if errors.As(err, &de) && de.Kind != KindInternal && de.Detail != "" {
		return de.Detail
	}
	return internalDetail
}
