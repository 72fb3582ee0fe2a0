package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/auditor/internal/registry"
	"github.com/memohai/auditor/internal/store"
)

// ErrorResponse is the standard API error body (message only).
type ErrorResponse struct {
	Message string `json:"message"`
}

// storeError maps lookup failures onto HTTP errors. Unknown scopes and
// records are both 404.
func storeError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrInvalidScopeID):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrUnknownScope), errors.Is(err, store.ErrSchemaMissing):
		return echo.NewHTTPError(http.StatusNotFound, "scope not found")
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "record not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
