package model

import "time"

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeAudio  MessageType = "audio"
	MessageTypeSystem MessageType = "system"
)

type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

// rank orders statuses so transitions can be validated: read never regresses.
func (s MessageStatus) rank() int {
	switch s {
	case MessageStatusSent:
		return 1
	case MessageStatusDelivered:
		return 2
	case MessageStatusRead:
		return 3
	}
	return 0
}

// CanTransitionTo reports whether moving from s to next is a forward step
// (sent → delivered → read). The status-update SQL in the message repository
// encodes the same rule per row; the two must not drift.
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	return next.rank() > s.rank()
}

type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	ReceiverID     string        `json:"receiver_id,omitempty"` // только для первого сообщения в личный чат
	Type           MessageType   `json:"type"`
	Content        string        `json:"content"`
	AttachmentURL  string        `json:"attachment_url,omitempty"`
	ReplyToID      *string       `json:"reply_to_id,omitempty"`
	Status         MessageStatus `json:"status"`
	ClientTempID   string        `json:"client_temp_id,omitempty"`
	IsDeleted      bool          `json:"is_deleted"`
	EditedAt       *time.Time    `json:"edited_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	Sender         *UserPublic   `json:"sender,omitempty"`
}

// MessageVersion archives prior content before an edit or delete.
type MessageVersion struct {
	ID         int64     `json:"id"`
	MessageID  string    `json:"message_id"`
	Content    string    `json:"content"`
	ArchivedAt time.Time `json:"archived_at"`
}
