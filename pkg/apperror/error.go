package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Error represents an application error with HTTP status and error code
type Error struct {
	HTTPStatus int
	Code       string
	Message    string
	Internal   error
	Details    map[string]any
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the internal error
func (e *Error) Unwrap() error {
	return e.Internal
}

// Is matches any application error carrying the same code, so copies produced
// by WithMessage/WithInternal still satisfy errors.Is against the sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// ToEchoError converts the app error to an echo.HTTPError for proper handling
func (e *Error) ToEchoError() *echo.HTTPError {
	errBody := map[string]any{
		"code":    e.Code,
		"message": e.Message,
	}
	if len(e.Details) > 0 {
		errBody["details"] = e.Details
	}
	return echo.NewHTTPError(e.HTTPStatus, map[string]any{
		"error": errBody,
	})
}

// WithInternal returns a copy of the error with an internal error attached
func (e *Error) WithInternal(err error) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    e.Message,
		Internal:   err,
		Details:    e.Details,
	}
}

// WithMessage returns a copy of the error with a custom message
func (e *Error) WithMessage(message string) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    message,
		Internal:   e.Internal,
		Details:    e.Details,
	}
}

// WithDetails returns a copy of the error with details attached
func (e *Error) WithDetails(details map[string]any) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    e.Message,
		Internal:   e.Internal,
		Details:    details,
	}
}

// New creates a new application error
func New(status int, code, message string) *Error {
	return &Error{
		HTTPStatus: status,
		Code:       code,
		Message:    message,
	}
}

// Common error definitions
var (
	// Resource errors
	ErrNotFound       = New(http.StatusNotFound, "not_found", "Resource not found")
	ErrBranchNotFound = New(http.StatusNotFound, "branch_not_found", "Branch not found")
	ErrAlreadyExists  = New(http.StatusConflict, "already_exists", "Resource already exists")

	// Branch operation errors
	ErrConflict         = New(http.StatusConflict, "conflict", "Branch contains unresolved conflicts")
	ErrValidationFailed = New(http.StatusUnprocessableEntity, "validation_failed", "Validation failed")
	ErrMergeFailed      = New(http.StatusInternalServerError, "merge_failed", "Branch merge failed")
	ErrMigrationFailed  = New(http.StatusInternalServerError, "migration_failed", "Schema migration failed")
	ErrLockTimeout      = New(http.StatusServiceUnavailable, "lock_timeout", "Timed out waiting for lock")

	// Request errors
	ErrBadRequest = New(http.StatusBadRequest, "bad_request", "Invalid request")

	// Server errors
	ErrInternal = New(http.StatusInternalServerError, "internal_error", "An internal error occurred")
	ErrDatabase = New(http.StatusInternalServerError, "database_error", "Database operation failed")
)

// Is reports whether err is (or wraps) an application error with the same code as target.
func Is(err error, target *Error) bool {
	return errors.Is(err, target)
}

// As extracts the first application error in err's chain.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// ToHTTPError converts an app error to an HTTP-friendly format
func ToHTTPError(err error) (int, map[string]any) {
	status, body := render(err)
	return status, map[string]any{"error": body}
}

// NewBadRequest creates a bad request error with a custom message
func NewBadRequest(message string) *Error {
	return ErrBadRequest.WithMessage(message)
}

// NewNotFound creates a not found error for a resource type and ID
func NewNotFound(resourceType, id string) *Error {
	return ErrNotFound.WithMessage(fmt.Sprintf("%s '%s' not found", resourceType, id))
}

// NewInternal creates an internal error with a message and optional wrapped error
func NewInternal(message string, err error) *Error {
	return &Error{
		HTTPStatus: http.StatusInternalServerError,
		Code:       "internal_error",
		Message:    message,
		Internal:   err,
	}
}

// NewConflict builds a conflict error listing every conflicting path.
func NewConflict(message string, paths []string) *Error {
	return ErrConflict.WithMessage(message).WithDetails(map[string]any{"conflicts": paths})
}

// NewValidationFailed builds a validation error carrying the full list of failures.
func NewValidationFailed(messages []string) *Error {
	return ErrValidationFailed.WithDetails(map[string]any{"messages": messages})
}

// Messages returns the aggregated failure messages attached by NewValidationFailed.
func (e *Error) Messages() []string {
	if e.Details == nil {
		return nil
	}
	msgs, _ := e.Details["messages"].([]string)
	return msgs
}
