package handlers

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/anonto42/elemchat/internal/chat"
)

// MessageHandler fronts the message pipeline for one-shot HTTP sends.
type MessageHandler struct {
	pipeline *chat.Pipeline
}

// NewMessageHandler creates a new MessageHandler.
func NewMessageHandler(pipeline *chat.Pipeline) *MessageHandler {
	return &MessageHandler{pipeline: pipeline}
}

// RegisterMessageRoutes registers message routes.
func (h *MessageHandler) RegisterMessageRoutes(g *echo.Group) {
	g.GET("/conversations/:id/messages", h.ListMessages)
	g.POST("/conversations/:id/messages", h.SendMessage)
	g.PUT("/conversations/:id/read", h.MarkRead)
}

type sendTextRequest struct {
	Text string `json:"text" validate:"required"`
}

// ListMessages returns the local merged message view.
func (h *MessageHandler) ListMessages(c echo.Context) error {
	if _, err := currentUserID(c); err != nil {
		return err
	}
	view, err := h.pipeline.Open(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"data":    echo.Map{"messages": view.Messages()},
	})
}

// SendMessage runs one optimistic send. Multipart requests carry an
// attachment under "file"; JSON bodies carry text only.
func (h *MessageHandler) SendMessage(c echo.Context) error {
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}
	conversationID := c.Param("id")

	payload, err := h.bindPayload(c)
	if err != nil {
		return err
	}

	outcome, err := h.pipeline.Send(c.Request().Context(), conversationID, userID, payload, nil)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"success": true,
		"data":    echo.Map{"outcome": outcome},
	})
}

func (h *MessageHandler) bindPayload(c echo.Context) (chat.Payload, error) {
	contentType := c.Request().Header.Get(echo.HeaderContentType)
	if !strings.HasPrefix(contentType, echo.MIMEMultipartForm) {
		var req sendTextRequest
		if err := c.Bind(&req); err != nil {
			return chat.Payload{}, echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
		}
		if err := c.Validate(&req); err != nil {
			return chat.Payload{}, err
		}
		return chat.Payload{Text: req.Text}, nil
	}

	payload := chat.Payload{Text: c.FormValue("text")}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		if payload.Text == "" {
			return chat.Payload{}, echo.NewHTTPError(http.StatusBadRequest, "Empty payload")
		}
		return payload, nil
	}
	file, err := fileHeader.Open()
	if err != nil {
		return chat.Payload{}, echo.NewHTTPError(http.StatusBadRequest, "Unreadable attachment")
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return chat.Payload{}, echo.NewHTTPError(http.StatusBadRequest, "Unreadable attachment")
	}

	mimeType := fileHeader.Header.Get("Content-Type")
	duration, _ := strconv.ParseFloat(c.FormValue("duration_seconds"), 64)
	payload.Attachment = &chat.AttachmentUpload{
		Bytes:           data,
		MediaKind:       mediaKind(mimeType),
		ContentType:     mimeType,
		FileName:        fileHeader.Filename,
		DurationSeconds: duration,
	}
	return payload, nil
}

func mediaKind(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	default:
		return "file"
	}
}

// MarkRead zeroes the caller's unread counter for the conversation.
func (h *MessageHandler) MarkRead(c echo.Context) error {
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}
	if err := h.pipeline.MarkRead(c.Request().Context(), c.Param("id"), userID); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}
