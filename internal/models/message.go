package models

import (
	"time"

	"github.com/anonto42/elemchat/internal/store"
)

// SystemSender marks messages authored by the platform itself
// (join/leave notices, community descriptions).
const SystemSender = "system"

// MessageKind separates user messages from system notices.
type MessageKind string

const (
	MessageUser   MessageKind = "user"
	MessageSystem MessageKind = "system"
)

// Attachment describes uploaded media referenced by a message.
type Attachment struct {
	URL             string  `json:"url"`
	MediaKind       string  `json:"media_kind"` // image, video, audio
	FileName        string  `json:"file_name,omitempty"`
	Size            int64   `json:"size,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// Message is one immutable entry in a conversation's history. ClientID
// carries the optimistic temporary id so the sender's view can replace
// its pending entry when the persisted document arrives.
type Message struct {
	ID         string      `json:"id"`
	Sender     string      `json:"sender"`
	SenderName string      `json:"sender_name,omitempty"`
	Kind       MessageKind `json:"kind"`
	Text       string      `json:"text,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	ClientID   string      `json:"client_id,omitempty"`
	// Pending is true only on local optimistic entries, never persisted.
	Pending bool `json:"pending,omitempty"`
}

// MessageFromDoc decodes a message document snapshot.
func MessageFromDoc(d store.Document) Message {
	m := Message{
		ID:         d.ID(),
		Sender:     asString(d.Data["sender"]),
		SenderName: asString(d.Data["senderName"]),
		Kind:       MessageKind(asString(d.Data["kind"])),
		Text:       asString(d.Data["text"]),
		CreatedAt:  asTime(d.Data["createdAt"]),
		ClientID:   asString(d.Data["clientId"]),
	}
	if m.Kind == "" {
		m.Kind = MessageUser
	}
	if att, ok := d.Data["attachment"].(map[string]any); ok {
		m.Attachment = &Attachment{
			URL:             asString(att["url"]),
			MediaKind:       asString(att["mediaKind"]),
			FileName:        asString(att["fileName"]),
			Size:            asInt(att["size"]),
			DurationSeconds: asFloat(att["durationSeconds"]),
		}
	}
	return m
}

// Fields encodes the message for persistence. CreatedAt is always the
// store's server timestamp; the client clock never reaches the wire.
func (m Message) Fields() map[string]any {
	fields := map[string]any{
		"sender":    m.Sender,
		"kind":      string(m.Kind),
		"createdAt": store.ServerTimestamp,
	}
	if m.SenderName != "" {
		fields["senderName"] = m.SenderName
	}
	if m.Text != "" {
		fields["text"] = m.Text
	}
	if m.ClientID != "" {
		fields["clientId"] = m.ClientID
	}
	if m.Attachment != nil {
		att := map[string]any{
			"url":       m.Attachment.URL,
			"mediaKind": m.Attachment.MediaKind,
		}
		if m.Attachment.FileName != "" {
			att["fileName"] = m.Attachment.FileName
		}
		if m.Attachment.Size > 0 {
			att["size"] = m.Attachment.Size
		}
		if m.Attachment.DurationSeconds > 0 {
			att["durationSeconds"] = m.Attachment.DurationSeconds
		}
		fields["attachment"] = att
	}
	return fields
}

// Summary is the one-line preview written to the parent conversation.
func (m Message) Summary() string {
	if m.Attachment != nil {
		switch m.Attachment.MediaKind {
		case "image":
			return "Sent an image"
		case "video":
			return "Sent a video"
		case "audio":
			return "Sent a voice message"
		default:
			return "Sent a file"
		}
	}
	return m.Text
}
