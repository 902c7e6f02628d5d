package ws

import (
	"time"

	"github.com/chatserver/internal/model"
)

type EventType string

const (
	// Inbound
	EventSendMessage       EventType = "send_message"
	EventMarkRead          EventType = "mark_read"
	EventMarkDelivered     EventType = "mark_delivered"
	EventSetTyping         EventType = "set_typing"
	EventJoinConversation  EventType = "join_conversation"
	EventLeaveConversation EventType = "leave_conversation"
	EventGetPresence       EventType = "get_presence"
	EventEditMessage       EventType = "edit_message"
	EventDeleteMessage     EventType = "delete_message"
	EventAddParticipants   EventType = "add_participants"
	EventRemoveParticipant EventType = "remove_participant"

	// Outbound
	EventMessagePending     EventType = "message_pending"
	EventNewMessage         EventType = "new_message"
	EventMessageUpdated     EventType = "message_updated"
	EventMessageDeleted     EventType = "message_deleted"
	EventMessagesRead       EventType = "messages_read_by_recipient"
	EventMessagesDelivered  EventType = "messages_delivered"
	EventUserOnline         EventType = "user_online"
	EventUserOffline        EventType = "user_offline"
	EventUserTyping         EventType = "user_typing"
	EventAllOnlineUsers     EventType = "all_online_users"
	EventPresenceInfo       EventType = "presence_info"
	EventParticipantAdded   EventType = "participant_added"
	EventParticipantRemoved EventType = "participant_removed"
	EventError              EventType = "error"
)

// IncomingMessage is what the client sends to the server.
type IncomingMessage struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ReceiverID     string    `json:"receiver_id,omitempty"`
	Content        string    `json:"content,omitempty"`

	MsgType       model.MessageType `json:"msg_type,omitempty"`
	AttachmentURL string            `json:"attachment_url,omitempty"`
	ReplyToID     string            `json:"reply_to_id,omitempty"`
	ClientTempID  string            `json:"client_temp_id,omitempty"`

	// For edit/delete and receipts
	MessageID  string   `json:"message_id,omitempty"`
	MessageIDs []string `json:"message_ids,omitempty"`

	// For presence queries and participant ops
	UserID  string   `json:"user_id,omitempty"`
	UserIDs []string `json:"user_ids,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// --- Typed payloads for hot-path (avoid map[string]any allocations) ---

// MessageUpdatedPayload is broadcast when a message is edited.
type MessageUpdatedPayload struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	EditedAt       time.Time `json:"edited_at"`
}

// MessageDeletedPayload is broadcast when a message is deleted.
type MessageDeletedPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

// ReceiptPayload goes back to a message's sender when recipients advance
// message status (delivered or read).
type ReceiptPayload struct {
	ConversationID string   `json:"conversation_id"`
	ReaderID       string   `json:"reader_id"`
	MessageIDs     []string `json:"message_ids"`
}

// TypingPayload is broadcast to a conversation when a user is typing.
type TypingPayload struct {
	ConversationID string   `json:"conversation_id"`
	UserID         string   `json:"user_id"`
	ActiveUserIDs  []string `json:"active_user_ids,omitempty"`
}

// UserStatusPayload is broadcast for online/offline transitions.
type UserStatusPayload struct {
	UserID   string     `json:"user_id"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// PresenceInfoPayload answers a get_presence query.
type PresenceInfoPayload struct {
	Users []model.PresenceRecord `json:"users"`
}

// OnlineUsersPayload is the initial-sync roster pushed on connect.
type OnlineUsersPayload struct {
	Users []model.PresenceSummary `json:"users"`
}

// ParticipantChangePayload is broadcast on membership changes.
type ParticipantChangePayload struct {
	ConversationID string   `json:"conversation_id"`
	ActorID        string   `json:"actor_id"`
	UserIDs        []string `json:"user_ids,omitempty"` // added
	UserID         string   `json:"user_id,omitempty"`  // removed
	IsLeave        bool     `json:"is_leave,omitempty"`
}
