package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_HTTPStatus(t *testing.T) {
	tests := []struct {
		err    *Error
		status int
	}{
		{Validation("bad input"), http.StatusBadRequest},
		{NotFound("missing"), http.StatusNotFound},
		{Limited("slow down"), http.StatusTooManyRequests},
		{External("upstream down", nil), http.StatusBadGateway},
		{Internal("boom", nil), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.status, tt.err.HTTPStatus(), tt.err.Error())
	}
}

func TestError_UnwrapsCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := External("upstream unreachable", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestAsError_WrapsUnknown(t *testing.T) {
	err := AsError(fmt.Errorf("something odd"))

	assert.Equal(t, KindInternal, err.Kind)
	assert.Equal(t, "internal server error", err.Message)
}

func TestAsError_PassesStructuredThrough(t *testing.T) {
	original := Validation("no key")
	err := AsError(fmt.Errorf("handler: %w", original))

	assert.Equal(t, KindValidation, err.Kind)
	assert.Equal(t, "no key", err.Message)
}

func TestToResponse_OmitsCause(t *testing.T) {
	err := Internal("query failed", fmt.Errorf("password=hunter2"))

	data, jsonErr := json.Marshal(err.ToResponse())
	require.NoError(t, jsonErr)
	assert.NotContains(t, string(data), "hunter2")
}

func TestMiddleware_ConvertsErrors(t *testing.T) {
	e := echo.New()
	e.Use(Middleware())
	e.GET("/fail", func(c echo.Context) error {
		return NotFound("document not found")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fail", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, KindNotFound, resp.Kind)
	assert.Equal(t, "document not found", resp.Error)
}

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		code int
		kind Kind
	}{
		{http.StatusNotFound, KindNotFound},
		{http.StatusMethodNotAllowed, KindValidation},
		{http.StatusBadRequest, KindValidation},
		{http.StatusTooManyRequests, KindLimited},
		{http.StatusInternalServerError, KindInternal},
		{http.StatusBadGateway, KindInternal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.kind, kindForStatus(tt.code), "status %d", tt.code)
	}
}

func TestMiddleware_PassesSuccessThrough(t *testing.T) {
	e := echo.New()
	e.Use(Middleware())
	e.GET("/ok", func(c echo.Context) error {
		return c.String(http.StatusOK, "fine")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fine", rec.Body.String())
}
