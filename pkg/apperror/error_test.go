package apperror

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorError(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name: "without internal error",
			err: &Error{
				HTTPStatus: http.StatusNotFound,
				Code:       "not_found",
				Message:    "Resource not found",
			},
			expected: "not_found: Resource not found",
		},
		{
			name: "with internal error",
			err: &Error{
				HTTPStatus: http.StatusInternalServerError,
				Code:       "merge_failed",
				Message:    "Branch merge failed",
				Internal:   errors.New("write failed"),
			},
			expected: "merge_failed: Branch merge failed (write failed)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestIs_MatchesCopiesByCode(t *testing.T) {
	err := ErrBranchNotFound.WithMessage("branch cr1 not found")
	wrapped := fmt.Errorf("rebase: %w", err)

	assert.True(t, Is(wrapped, ErrBranchNotFound))
	assert.False(t, Is(wrapped, ErrConflict))
	assert.False(t, Is(errors.New("plain"), ErrBranchNotFound))
}

func TestWithInternal_KeepsCause(t *testing.T) {
	cause := errors.New("boom")
	err := ErrMergeFailed.WithInternal(cause)

	assert.ErrorIs(t, err, cause)
	assert.True(t, Is(err, ErrMergeFailed))
}

func TestNewValidationFailed_CarriesAllMessages(t *testing.T) {
	err := NewValidationFailed([]string{"first", "second"})

	appErr, ok := As(fmt.Errorf("wrap: %w", err))
	require.True(t, ok)
	assert.Equal(t, []string{"first", "second"}, appErr.Messages())
	assert.Equal(t, http.StatusUnprocessableEntity, appErr.HTTPStatus)
}

func TestNewConflict_ListsPaths(t *testing.T) {
	err := NewConflict("conflicts found", []string{"n1/name", "n2/description"})

	status, body := ToHTTPError(err)
	assert.Equal(t, http.StatusConflict, status)

	inner := body["error"].(map[string]any)
	assert.Equal(t, "conflict", inner["code"])
	details := inner["details"].(map[string]any)
	assert.Equal(t, []string{"n1/name", "n2/description"}, details["conflicts"])
}

func TestToHTTPError_UnknownError(t *testing.T) {
	status, body := ToHTTPError(errors.New("unexpected"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal_error", body["error"].(map[string]any)["code"])
}

func TestHTTPErrorHandler(t *testing.T) {
	e := echo.New()
	e.HTTPErrorHandler = HTTPErrorHandler(slog.New(slog.NewTextHandler(io.Discard, nil)))

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "app error", err: ErrBranchNotFound.WithMessage("branch cr1 not found"), status: http.StatusNotFound, code: "branch_not_found"},
		{name: "router 404", err: echo.ErrNotFound, status: http.StatusNotFound, code: "not_found"},
		{name: "router 405", err: echo.ErrMethodNotAllowed, status: http.StatusMethodNotAllowed, code: "method_not_allowed"},
		{name: "plain error", err: errors.New("disk on fire"), status: http.StatusInternalServerError, code: "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/branches/cr1", nil), rec)
			c.Response().Header().Set(echo.HeaderXRequestID, "req-7")

			e.HTTPErrorHandler(tt.err, c)

			assert.Equal(t, tt.status, rec.Code)
			var body struct {
				Error struct {
					Code      string `json:"code"`
					Message   string `json:"message"`
					RequestID string `json:"request_id"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Error.Code)
			assert.Equal(t, "req-7", body.Error.RequestID)
			assert.NotEmpty(t, body.Error.Message)
		})
	}
}
