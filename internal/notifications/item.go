package notifications

import "time"

// ItemKind discriminates the notification sources.
type ItemKind string

const (
	KindMessage ItemKind = "message"
	KindPost    ItemKind = "post"
	KindComment ItemKind = "comment"
	KindSystem  ItemKind = "system"
)

// Item is one derived notification entry. Items are rebuilt every
// session; only the post/comment seen-state persists.
type Item struct {
	ID             string    `json:"id"`
	Kind           ItemKind  `json:"kind"`
	SourceID       string    `json:"source_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	SenderID       string    `json:"sender_id,omitempty"`
	SenderName     string    `json:"sender_name,omitempty"`
	Body           string    `json:"body"`
	Timestamp      time.Time `json:"timestamp"`
	UnreadCount    int64     `json:"unread_count,omitempty"`
}

// Feed is a merged, deduplicated notification snapshot, newest first.
type Feed struct {
	Items       []Item `json:"items"`
	TotalUnread int64  `json:"total_unread"`
}
