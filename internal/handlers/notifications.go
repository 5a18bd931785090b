package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/anonto42/elemchat/internal/notifications"
)

// NotificationHandler serves the aggregated notification feed.
type NotificationHandler struct {
	aggregator *notifications.Aggregator
}

// NewNotificationHandler creates a new NotificationHandler.
func NewNotificationHandler(aggregator *notifications.Aggregator) *NotificationHandler {
	return &NotificationHandler{aggregator: aggregator}
}

// RegisterNotificationRoutes registers notification routes.
func (h *NotificationHandler) RegisterNotificationRoutes(g *echo.Group) {
	g.GET("/notifications", h.GetFeed)
	g.PUT("/notifications/ack", h.Acknowledge)
	g.PUT("/notifications/clear-all", h.ClearAll)
}

type acknowledgeRequest struct {
	Kind     string `json:"kind" validate:"required,oneof=message post comment system"`
	SourceID string `json:"source_id" validate:"required"`
}

// GetFeed rebuilds and returns the caller's notification feed.
func (h *NotificationHandler) GetFeed(c echo.Context) error {
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}
	feed, err := h.aggregator.Build(c.Request().Context(), userID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"data":    echo.Map{"feed": feed},
	})
}

// Acknowledge marks one feed item as seen.
func (h *NotificationHandler) Acknowledge(c echo.Context) error {
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}
	var req acknowledgeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	kind := notifications.ItemKind(req.Kind)
	if err := h.aggregator.Acknowledge(c.Request().Context(), userID, kind, req.SourceID); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

// ClearAll marks every current feed item as seen in one batch.
func (h *NotificationHandler) ClearAll(c echo.Context) error {
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}
	if err := h.aggregator.ClearAll(c.Request().Context(), userID); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}
