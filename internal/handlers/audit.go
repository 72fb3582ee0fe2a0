package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/auditor/internal/entity"
	"github.com/memohai/auditor/internal/registry"
	"github.com/memohai/auditor/internal/store"
)

// AuditHandler serves read-only lookups of audited records, deleted and
// edited ones included.
type AuditHandler struct {
	store    *store.Store
	registry *registry.Registry
	logger   *slog.Logger
}

type ScopeListResponse struct {
	Items []entity.Scope `json:"items"`
}

type ChannelListResponse struct {
	Items []entity.Channel `json:"items"`
}

type MemberListResponse struct {
	Items []entity.Member `json:"items"`
}

type MessageListResponse struct {
	Items []entity.Message `json:"items"`
}

type VoiceSessionListResponse struct {
	Items []entity.VoiceSession `json:"items"`
}

func NewAuditHandler(log *slog.Logger, s *store.Store, reg *registry.Registry) *AuditHandler {
	return &AuditHandler{store: s, registry: reg, logger: log.With(slog.String("handler", "audit"))}
}

func (h *AuditHandler) Register(e *echo.Echo) {
	group := e.Group("/scopes")
	group.GET("", h.ListScopes)
	group.GET("/:scope_id", h.GetScope)
	group.GET("/:scope_id/channels", h.ListChannels)
	group.GET("/:scope_id/channels/:channel_id/messages", h.ListMessages)
	group.GET("/:scope_id/messages/:message_id", h.GetMessage)
	group.GET("/:scope_id/members", h.ListMembers)
	group.GET("/:scope_id/members/:member_id/voice", h.ListVoiceSessions)
}

// ListScopes godoc
// @Summary List scopes
// @Description Every scope ever enrolled, with its enrollment state
// @Tags audit
// @Success 200 {object} ScopeListResponse
// @Failure 500 {object} ErrorResponse
// @Router /scopes [get]
func (h *AuditHandler) ListScopes(c echo.Context) error {
	items, err := h.registry.All(c.Request().Context())
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, ScopeListResponse{Items: items})
}

func (h *AuditHandler) GetScope(c echo.Context) error {
	sc, err := h.registry.Get(c.Request().Context(), c.Param("scope_id"))
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, sc)
}

// ListChannels godoc
// @Summary List audited channels
// @Tags audit
// @Param scope_id path string true "Scope ID"
// @Success 200 {object} ChannelListResponse
// @Failure 404 {object} ErrorResponse
// @Router /scopes/{scope_id}/channels [get]
func (h *AuditHandler) ListChannels(c echo.Context) error {
	var items []entity.Channel
	err := h.view(c, func(tx *store.Tx) (err error) {
		items, err = tx.Channels(c.Request().Context())
		return err
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ChannelListResponse{Items: items})
}

func (h *AuditHandler) ListMessages(c echo.Context) error {
	var items []entity.Message
	err := h.view(c, func(tx *store.Tx) error {
		ctx := c.Request().Context()
		if _, err := tx.Channel(ctx, c.Param("channel_id")); err != nil {
			return err
		}
		var err error
		items, err = tx.Messages(ctx, c.Param("channel_id"))
		return err
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, MessageListResponse{Items: items})
}

// GetMessage godoc
// @Summary Get an audited message
// @Description Returns the stored message with its edit and deletion flags and attachments
// @Tags audit
// @Param scope_id path string true "Scope ID"
// @Param message_id path string true "Message ID"
// @Success 200 {object} entity.Message
// @Failure 404 {object} ErrorResponse
// @Router /scopes/{scope_id}/messages/{message_id} [get]
func (h *AuditHandler) GetMessage(c echo.Context) error {
	var msg entity.Message
	err := h.view(c, func(tx *store.Tx) (err error) {
		msg, err = tx.Message(c.Request().Context(), c.Param("message_id"))
		return err
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, msg)
}

func (h *AuditHandler) ListMembers(c echo.Context) error {
	var items []entity.Member
	err := h.view(c, func(tx *store.Tx) (err error) {
		items, err = tx.Members(c.Request().Context())
		return err
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, MemberListResponse{Items: items})
}

func (h *AuditHandler) ListVoiceSessions(c echo.Context) error {
	var items []entity.VoiceSession
	err := h.view(c, func(tx *store.Tx) (err error) {
		items, err = tx.VoiceSessions(c.Request().Context(), c.Param("member_id"))
		return err
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, VoiceSessionListResponse{Items: items})
}

// view checks the scope is known and runs fn in one read transaction.
func (h *AuditHandler) view(c echo.Context, fn func(tx *store.Tx) error) error {
	scopeID := c.Param("scope_id")
	if _, err := h.registry.Get(c.Request().Context(), scopeID); err != nil {
		return storeError(err)
	}
	return storeError(h.store.View(c.Request().Context(), scopeID, fn))
}
