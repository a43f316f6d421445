package document

import (
	"context"
	"errors"
	"regexp"

	"matheditor/internal/util"
)

const minHandleLength = 3

var handlePattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// ValidateHandle applies the format rules. UUIDs are reserved for ids so a handle can never be
// confused with one in a route.
func ValidateHandle(handle string) error {
	if len(handle) < minHandleLength {
		return &ValidationError{Field: "handle", Message: "handle must be at least 3 characters", Err: ErrInvalidHandle}
	}
	if !handlePattern.MatchString(handle) {
		return &ValidationError{Field: "handle", Message: "handle may only contain letters, numbers and hyphens", Err: ErrInvalidHandle}
	}
	if util.IsUUID(handle) {
		return &ValidationError{Field: "handle", Message: "handle must not be a UUID", Err: ErrInvalidHandle}
	}
	return nil
}

// HandleLookup resolves a handle to the id of the document holding it, returning ErrNotFound
// when the handle is free.
type HandleLookup interface {
	DocumentIDByHandle(ctx context.Context, handle string) (string, error)
}

// CheckHandle validates the format and that no document other than documentID holds it.
func CheckHandle(ctx context.Context, lookup HandleLookup, handle, documentID string) error {
	if err := ValidateHandle(handle); err != nil {
		return err
	}
	owner, err := lookup.DocumentIDByHandle(ctx, handle)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if owner == documentID {
		return nil
	}
	return &ValidationError{Field: "handle", Message: "handle is already taken", Err: ErrHandleTaken}
}
