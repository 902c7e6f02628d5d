package model

import "fmt"

// ErrorCode is the machine-readable half of the wire error envelope.
type ErrorCode string

const (
	ErrValidation          ErrorCode = "VALIDATION"
	ErrNotParticipant      ErrorCode = "NOT_PARTICIPANT"
	ErrNotFound            ErrorCode = "NOT_FOUND"
	ErrLastParticipant     ErrorCode = "LAST_PARTICIPANT"
	ErrTooManyParticipants ErrorCode = "TOO_MANY_PARTICIPANTS"
	ErrConversationClosed  ErrorCode = "CONVERSATION_CLOSED"
	ErrRateLimited         ErrorCode = "RATE_LIMITED"
	ErrInternal            ErrorCode = "INTERNAL"
)

// OpError is a rejected operation: typed code plus human-readable message.
// It is sent only to the originating connection, never to a broadcast room.
type OpError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *OpError) Error() string { return string(e.Code) + ": " + e.Message }

// Errf создаёт OpError с форматированным сообщением.
func Errf(code ErrorCode, format string, args ...any) *OpError {
	return &OpError{Code: code, Message: fmt.Sprintf(format, args...)}
}
