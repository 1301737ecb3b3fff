package apperror

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// echoCodes names the bare echo.HTTPError statuses the router produces itself.
var echoCodes = map[int]string{
	http.StatusBadRequest:            ErrBadRequest.Code,
	http.StatusNotFound:              ErrNotFound.Code,
	http.StatusMethodNotAllowed:      "method_not_allowed",
	http.StatusConflict:              ErrConflict.Code,
	http.StatusRequestEntityTooLarge: "payload_too_large",
	http.StatusUnprocessableEntity:   ErrValidationFailed.Code,
}

// HTTPErrorHandler renders errors as {"error": {code, message, details,
// request_id}}. Server errors are logged with their internal cause; client
// errors only at debug.
func HTTPErrorHandler(log *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := render(err)
		if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
			body["request_id"] = id
		}

		attrs := []any{
			slog.Int("status", status),
			slog.String("code", body["code"].(string)),
			slog.String("path", c.Path()),
			slog.String("error", err.Error()),
		}
		if status >= http.StatusInternalServerError {
			log.Error("request error", attrs...)
		} else {
			log.Debug("request rejected", attrs...)
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, map[string]any{"error": body})
	}
}

func render(err error) (int, map[string]any) {
	if appErr, ok := As(err); ok {
		body := map[string]any{"code": appErr.Code, "message": appErr.Message}
		if len(appErr.Details) > 0 {
			body["details"] = appErr.Details
		}
		return appErr.HTTPStatus, body
	}
	if he, ok := err.(*echo.HTTPError); ok {
		code, known := echoCodes[he.Code]
		if !known {
			code = ErrInternal.Code
		}
		msg, _ := he.Message.(string)
		if msg == "" {
			msg = http.StatusText(he.Code)
		}
		return he.Code, map[string]any{"code": code, "message": msg}
	}
	return http.StatusInternalServerError, map[string]any{
		"code":    ErrInternal.Code,
		"message": ErrInternal.Message,
	}
}
