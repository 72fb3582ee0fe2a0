package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/auditor/internal/auth"
	"github.com/memohai/auditor/internal/reconcile"
	"github.com/memohai/auditor/internal/store"
)

// Reconciler runs on-demand passes.
type Reconciler interface {
	Trigger(ctx context.Context, scopeIDs ...string) (reconcile.Summary, error)
}

type ReconcileHandler struct {
	reconciler Reconciler
	logger     *slog.Logger
}

// ReconcileRequest optionally narrows a pass to some scopes.
type ReconcileRequest struct {
	Scopes []string `json:"scopes"`
}

func NewReconcileHandler(log *slog.Logger, r Reconciler) *ReconcileHandler {
	return &ReconcileHandler{reconciler: r, logger: log.With(slog.String("handler", "reconcile"))}
}

func (h *ReconcileHandler) Register(e *echo.Echo) {
	e.POST("/reconcile", h.Reconcile)
}

// Reconcile godoc
// @Summary Run a reconciliation pass
// @Description Reconciles every live scope, or only the scopes named in the body or the scope query parameter
// @Tags reconcile
// @Param payload body ReconcileRequest false "Scopes to reconcile"
// @Success 200 {object} reconcile.Summary
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /reconcile [post]
func (h *ReconcileHandler) Reconcile(c echo.Context) error {
	var req ReconcileRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	req.Scopes = append(req.Scopes, c.QueryParams()["scope"]...)
	for _, id := range req.Scopes {
		if err := store.ValidateScopeID(id); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	subject, _ := auth.SubjectFromContext(c)
	h.logger.Info("reconciliation requested", slog.String("subject", subject), slog.Any("scopes", req.Scopes))

	summary, err := h.reconciler.Trigger(c.Request().Context(), req.Scopes...)
	if errors.Is(err, reconcile.ErrRunning) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, summary)
}
