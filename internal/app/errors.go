package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"

	"matheditor/internal/ancestry"
	"matheditor/internal/auth"
	"matheditor/internal/authpw"
	"matheditor/internal/document"
	"matheditor/internal/render"
	"matheditor/internal/session"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func forbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
}

// mapError translates service errors into status, code and message.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validation *document.ValidationError
	if errors.As(err, &validation) {
		return http.StatusBadRequest, "VALIDATION_ERROR", validation.Error(), map[string]string{"field": validation.Field}
	}
	switch {
	case errors.Is(err, document.ErrNotFound), errors.Is(err, pgx.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, document.ErrUnauthenticated),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, session.ErrSessionNotFound):
		return http.StatusUnauthorized, "UNAUTHORIZED", "You must be signed in", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", err.Error(), nil
	case errors.Is(err, document.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, authpw.ErrEmailTaken), errors.Is(err, document.ErrAlreadyExists):
		return http.StatusConflict, "CONFLICT", err.Error(), nil
	case errors.Is(err, document.ErrHandleTaken), errors.Is(err, document.ErrInvalidHandle):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), map[string]string{"field": "handle"}
	case errors.Is(err, document.ErrHeadRevision):
		return http.StatusBadRequest, "HEAD_REVISION", "The current revision cannot be deleted", nil
	case errors.Is(err, document.ErrForeignRevision):
		return http.StatusBadRequest, "FOREIGN_REVISION", "Revision does not belong to this document", nil
	case errors.Is(err, ancestry.ErrCycle):
		return http.StatusBadRequest, "PARENT_CYCLE", "A document cannot be moved inside itself", nil
	case errors.Is(err, render.ErrInvalidDocument):
		return http.StatusBadRequest, "INVALID_DOCUMENT", err.Error(), nil
	case errors.Is(err, render.ErrUnsupportedFormat):
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", err.Error(), nil
	case errors.Is(err, render.ErrPDFDependencyMissing), errors.Is(err, render.ErrDOCXDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
