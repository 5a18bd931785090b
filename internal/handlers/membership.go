package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/anonto42/elemchat/internal/cache"
	"github.com/anonto42/elemchat/internal/chat"
)

// MembershipHandler exposes the community membership coordinator.
type MembershipHandler struct {
	coordinator *chat.Coordinator
	profiles    *cache.Profiles
}

// NewMembershipHandler creates a new MembershipHandler.
func NewMembershipHandler(coordinator *chat.Coordinator, profiles *cache.Profiles) *MembershipHandler {
	return &MembershipHandler{coordinator: coordinator, profiles: profiles}
}

// RegisterMembershipRoutes registers membership routes.
func (h *MembershipHandler) RegisterMembershipRoutes(g *echo.Group) {
	g.POST("/membership/sync", h.SyncMembership)
}

type syncMembershipRequest struct {
	Category string `json:"category" validate:"required"`
}

// SyncMembership reconciles the caller into the community for their
// category, leaving any other community first.
func (h *MembershipHandler) SyncMembership(c echo.Context) error {
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}
	var req syncMembershipRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	community, err := h.coordinator.EnsureMembership(c.Request().Context(), userID, req.Category)
	if err != nil {
		return httpError(err)
	}
	h.profiles.Invalidate(c.Request().Context(), userID)

	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"data":    echo.Map{"community": community},
	})
}
