package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/auditor/internal/metrics"
)

type MetricsHandler struct {
	provider *metrics.Provider
}

type MetricsResponse struct {
	Points []metrics.Point `json:"points"`
}

func NewMetricsHandler(p *metrics.Provider) *MetricsHandler {
	return &MetricsHandler{provider: p}
}

func (h *MetricsHandler) Register(e *echo.Echo) {
	e.GET("/metrics", h.Snapshot)
}

// Snapshot returns the current counter and histogram readings.
func (h *MetricsHandler) Snapshot(c echo.Context) error {
	points, err := h.provider.Snapshot(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, MetricsResponse{Points: points})
}
