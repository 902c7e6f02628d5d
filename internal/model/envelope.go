package model

import "time"

type EnvelopeKind string

const (
	EnvelopeMessageCreate  EnvelopeKind = "message_create"
	EnvelopeReceipt        EnvelopeKind = "receipt"
	EnvelopeConversationOp EnvelopeKind = "conversation_op"
	EnvelopeNotify         EnvelopeKind = "notify"
)

// Envelope is one queued unit of work. Exactly one payload field is set,
// selected by Kind. Attempts counts processing failures for bounded retry.
type Envelope struct {
	Kind       EnvelopeKind    `json:"kind"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Message    *Message        `json:"message,omitempty"`
	Receipt    *Receipt        `json:"receipt,omitempty"`
	ConvOp     *ConversationOp `json:"conv_op,omitempty"`
	Notify     *Notification   `json:"notify,omitempty"`
}

// Receipt carries a delivered/read status update back to a message's sender.
type Receipt struct {
	SenderID       string        `json:"sender_id"` // получатель квитанции
	ReaderID       string        `json:"reader_id"` // кто прочитал/получил
	ConversationID string        `json:"conversation_id"`
	MessageIDs     []string      `json:"message_ids"`
	Status         MessageStatus `json:"status"`
}

// ConversationOp records a membership change to be narrated as a system
// message and re-broadcast to the room.
type ConversationOp struct {
	ID             string   `json:"id"` // также id системного сообщения
	ConversationID string   `json:"conversation_id"`
	ActorID        string   `json:"actor_id"`
	Added          []string `json:"added,omitempty"`
	Removed        string   `json:"removed,omitempty"`
	SystemText     string   `json:"system_text"`
}

// Notification is a best-effort push side effect for an offline participant.
type Notification struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}
