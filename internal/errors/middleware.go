package errors

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mbetamony/manuscript-relay/internal/metrics"
)

// Middleware is the top-level error boundary for plain HTTP requests.
// Errors returned by handlers are converted to a JSON response with a mapped
// status code; failures on upgraded WebSocket connections never reach this
// middleware and are reported on the socket instead.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			// echo.HTTPError comes from echo's own middleware; preserve its
			// status by letting the default handler deal with it.
			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				metrics.HTTPErrorsTotal.WithLabelValues(string(kindForStatus(httpErr.Code))).Inc()
				return err
			}

			structured := AsError(err)
			metrics.HTTPErrorsTotal.WithLabelValues(string(structured.Kind)).Inc()
			logError(c, structured)

			if err := c.JSON(structured.HTTPStatus(), structured.ToResponse()); err != nil {
				return fmt.Errorf("failed to write error response: %w", err)
			}
			return nil
		}
	}
}

// kindForStatus classifies a raw HTTP status so router-generated errors
// (404s, 405s) land under a client kind instead of inflating "internal".
func kindForStatus(code int) Kind {
	switch {
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusTooManyRequests:
		return KindLimited
	case code >= 400 && code < 500:
		return KindValidation
	default:
		return KindInternal
	}
}

func logError(c echo.Context, err *Error) {
	attrs := []any{
		"kind", err.Kind,
		"message", err.Message,
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", err.HTTPStatus(),
	}
	if err.Cause != nil {
		attrs = append(attrs, "cause", err.Cause)
	}

	switch err.Kind {
	case KindValidation, KindNotFound:
		slog.Info("Request rejected", attrs...)
	case KindLimited:
		slog.Warn("Request limited", attrs...)
	default:
		slog.Error("Request failed", attrs...)
	}
}
