package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chatserver/internal/convo"
	"github.com/chatserver/internal/middleware"
	"github.com/chatserver/internal/model"
)

// ConversationHandler — REST-срез поверх сервиса чатов (счётчики для бейджей
// при загрузке списка чатов).
type ConversationHandler struct {
	convos *convo.Service
}

func NewConversationHandler(convos *convo.Service) *ConversationHandler {
	return &ConversationHandler{convos: convos}
}

type unreadResponse struct {
	ConversationID string `json:"conversation_id"`
	Unread         int64  `json:"unread"`
}

// Unread отдаёт счётчик непрочитанных текущего пользователя. Устаревший кеш
// чинится по пути — значение всегда согласовано с БД в пределах grace-окна.
func (h *ConversationHandler) Unread(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conversationID := chi.URLParam(r, "id")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation id required")
		return
	}
	n, err := h.convos.UnreadCount(r.Context(), conversationID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load unread count")
		return
	}
	writeJSON(w, http.StatusOK, unreadResponse{ConversationID: conversationID, Unread: n})
}

// Close закрывает групповой чат (только создатель). История остаётся
// читаемой, новые сообщения отклоняются.
func (h *ConversationHandler) Close(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conversationID := chi.URLParam(r, "id")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation id required")
		return
	}
	if err := h.convos.Close(r.Context(), userID, conversationID); err != nil {
		var opErr *model.OpError
		if errors.As(err, &opErr) {
			status := http.StatusBadRequest
			switch opErr.Code {
			case model.ErrNotFound:
				status = http.StatusNotFound
			case model.ErrNotParticipant:
				status = http.StatusForbidden
			case model.ErrConversationClosed:
				status = http.StatusConflict
			}
			writeError(w, status, opErr.Message)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to close conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
