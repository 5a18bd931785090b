package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/anonto42/elemchat/internal/chat"
)

// ConversationHandler serves the repository's projection and direct
// conversation creation.
type ConversationHandler struct {
	repository *chat.Repository
}

// NewConversationHandler creates a new ConversationHandler.
func NewConversationHandler(repository *chat.Repository) *ConversationHandler {
	return &ConversationHandler{repository: repository}
}

// RegisterConversationRoutes registers conversation routes.
func (h *ConversationHandler) RegisterConversationRoutes(g *echo.Group) {
	g.GET("/conversations", h.ListConversations)
	g.POST("/conversations/direct", h.OpenDirect)
}

type openDirectRequest struct {
	PartnerID string `json:"partner_id" validate:"required"`
}

// ListConversations returns the current display projection, optionally
// filtered by the sidebar search query.
func (h *ConversationHandler) ListConversations(c echo.Context) error {
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}
	views, err := h.repository.Snapshot(c.Request().Context(), userID)
	if err != nil {
		return httpError(err)
	}
	if q := c.QueryParam("q"); q != "" {
		views = chat.Search(views, q)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"data":    echo.Map{"conversations": views},
	})
}

// OpenDirect finds or creates the unique direct conversation with the
// partner.
func (h *ConversationHandler) OpenDirect(c echo.Context) error {
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}
	var req openDirectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	conv, err := h.repository.OpenDirect(c.Request().Context(), userID, req.PartnerID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"data":    echo.Map{"conversation": conv},
	})
}
