package models

import (
	"sort"
	"time"

	"github.com/anonto42/elemchat/internal/store"
)

// ConversationKind discriminates the three channel shapes.
type ConversationKind string

const (
	KindDirect    ConversationKind = "direct"
	KindGroup     ConversationKind = "group"
	KindCommunity ConversationKind = "community"
)

// Conversation is a chat channel document. Unread holds the per-user
// undelivered-message counters; only the message pipeline increments
// them and only markRead resets them.
type Conversation struct {
	ID               string               `json:"id"`
	Kind             ConversationKind     `json:"kind"`
	Participants     []string             `json:"participants"`
	ParticipantNames []string             `json:"participant_names"`
	Unread           map[string]int64     `json:"unread"`
	LastMessage      string               `json:"last_message"`
	LastUpdated      time.Time            `json:"last_updated"`
	CreatedAt        time.Time            `json:"created_at"`
	LastRead         map[string]time.Time `json:"last_read,omitempty"`

	// Group-only.
	AdminID     string `json:"admin_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`

	// Community-only.
	Category string `json:"category,omitempty"`
}

// ConversationFromDoc decodes a conversation document snapshot.
func ConversationFromDoc(d store.Document) Conversation {
	return Conversation{
		ID:               d.ID(),
		Kind:             ConversationKind(asString(d.Data["kind"])),
		Participants:     asStringSlice(d.Data["participants"]),
		ParticipantNames: asStringSlice(d.Data["participantNames"]),
		Unread:           asCounterMap(d.Data["unread"]),
		LastMessage:      asString(d.Data["lastMessage"]),
		LastUpdated:      asTime(d.Data["lastUpdated"]),
		CreatedAt:        asTime(d.Data["createdAt"]),
		LastRead:         asTimeMap(d.Data["lastRead"]),
		AdminID:          asString(d.Data["adminId"]),
		DisplayName:      asString(d.Data["displayName"]),
		AvatarURL:        asString(d.Data["avatarUrl"]),
		Category:         asString(d.Data["category"]),
	}
}

// Path returns the conversation's document path.
func (c Conversation) Path() string { return "conversations/" + c.ID }

// MessagesCollection returns the message subcollection path.
func (c Conversation) MessagesCollection() string {
	return MessagesCollection(c.ID)
}

// MessagesCollection is the message subcollection path for a
// conversation id.
func MessagesCollection(conversationID string) string {
	return "conversations/" + conversationID + "/messages"
}

// HasParticipant reports membership of the user in the participant set.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Partner returns the other participant of a direct conversation.
func (c Conversation) Partner(userID string) string {
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// UnreadFor returns the caller's unread counter, zero when absent.
func (c Conversation) UnreadFor(userID string) int64 {
	return c.Unread[userID]
}

// DirectKey is the canonical unordered-pair key for a direct
// conversation's participants.
func DirectKey(a, b string) []string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair
}
