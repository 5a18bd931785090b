package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/anonto42/elemchat/internal/chat"
	"github.com/anonto42/elemchat/internal/middleware"
	"github.com/anonto42/elemchat/internal/store"
)

func currentUserID(c echo.Context) (string, error) {
	uid := middleware.UserID(c)
	if uid == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "User not authenticated")
	}
	return uid, nil
}

// httpError maps engine errors onto response codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, chat.ErrEmptyPayload),
		errors.Is(err, chat.ErrAttachmentTooBig),
		errors.Is(err, chat.ErrSelfConversation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrRejectedContent):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, chat.ErrNotParticipant):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, chat.ErrUploadFailed),
		errors.Is(err, chat.ErrPersistenceFailed):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
