package document

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrUnauthenticated = errors.New("must be signed in")
	ErrInvalidHandle   = errors.New("invalid handle")
	ErrHandleTaken     = errors.New("handle already in use")
	ErrAlreadyExists   = errors.New("already exists")
	// ErrForeignRevision means a head assignment named a revision of another document.
	ErrForeignRevision = errors.New("revision does not belong to document")
	ErrHeadRevision    = errors.New("revision is the current head")
)

// ValidationError carries a field-specific message for a malformed input.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
