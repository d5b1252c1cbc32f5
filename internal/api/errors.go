package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/slidegen/internal/domain"
	"github.com/phrazzld/slidegen/internal/service/auth"
	"github.com/phrazzld/slidegen/internal/task"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrMissingToken):
		return http.StatusUnauthorized

	case errors.Is(err, task.ErrTaskNotFound):
		return http.StatusNotFound

	case errors.Is(err, task.ErrInvalidRequest),
		errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest

	// Both are retryable: the caller should try again later.
	case errors.Is(err, task.ErrQueueFull),
		errors.Is(err, task.ErrUnavailable):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. This prevents leaking sensitive internal details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrMissingToken):
		return "Invalid token"

	case errors.Is(err, task.ErrTaskNotFound):
		return "Task not found"

	case errors.Is(err, task.ErrQueueFull):
		return "Queue is full, try again later"

	case errors.Is(err, task.ErrUnavailable):
		return "Service temporarily unavailable, try again later"

	case errors.Is(err, domain.ErrInvalidArtifactKind):
		return "Invalid kind"

	case errors.Is(err, domain.ErrInvalidDocumentOrigin):
		return "Invalid origin"

	case errors.Is(err, domain.ErrInvalidTaskStatus):
		return "Invalid status"

	case errors.Is(err, domain.ErrEmptyDocumentID),
		errors.Is(err, domain.ErrEmptyDocumentSource):
		return "Document id and source are required"

	case errors.Is(err, task.ErrInvalidRequest),
		errors.Is(err, domain.ErrValidation):
		return "Invalid request"

	default:
		return "An unexpected error occurred"
	}
}

// SanitizeValidationError turns validator errors into a message naming the
// first offending field without exposing struct internals.
func SanitizeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Validation error"
	}

	fe := verrs[0]
	return fmt.Sprintf("Invalid %s: %s", fe.Field(), getValidationTagMessage(fe.Tag()))
}

// getValidationTagMessage maps validation tags to user-friendly error messages
func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min":
		return "too short"
	case "max":
		return "too long"
	case "oneof":
		return "invalid value"
	default:
		return "validation failed"
	}
}
