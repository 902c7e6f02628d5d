package model

import "time"

type ConversationType string

const (
	ConversationTypeDirect ConversationType = "direct"
	ConversationTypeGroup  ConversationType = "group"
)

type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationClosed   ConversationStatus = "closed"
	ConversationArchived ConversationStatus = "archived"
)

type Conversation struct {
	ID            string             `json:"id"`
	Type          ConversationType   `json:"type"`
	Name          string             `json:"name,omitempty"`
	TopicRef      string             `json:"topic_ref,omitempty"` // ссылка на заявку/тему, если чат привязан
	Status        ConversationStatus `json:"status"`
	CreatedBy     string             `json:"created_by"`
	LastMessageAt *time.Time         `json:"last_message_at,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

// Participant is the (conversation, user) join row. UnreadCount here is the
// persisted system-of-record value; the hot counter lives in the shared store.
type Participant struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	UnreadCount    int        `json:"unread_count"`
	Muted          bool       `json:"muted"`
	Pinned         bool       `json:"pinned"`
	Notify         bool       `json:"notify"`
	JoinedAt       time.Time  `json:"joined_at"`
	LeftAt         *time.Time `json:"left_at,omitempty"` // null пока участник активен
}
