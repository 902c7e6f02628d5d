package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/chatserver/internal/logger"
	"github.com/chatserver/internal/model"
	"github.com/chatserver/internal/pipeline"
	"github.com/chatserver/internal/presence"
	"github.com/chatserver/internal/typing"
)

// MessageOps — операции конвейера доставки, доступные с соединения.
type MessageOps interface {
	Submit(ctx context.Context, senderID string, d pipeline.Draft) (*pipeline.Ack, error)
	MarkDelivered(ctx context.Context, userID string, messageIDs []string) error
	MarkRead(ctx context.Context, userID, conversationID string, messageIDs []string) error
	EditMessage(ctx context.Context, userID, messageID, content string) error
	DeleteMessage(ctx context.Context, userID, messageID string) error
}

// ParticipantOps — операции членства.
type ParticipantOps interface {
	AddParticipants(ctx context.Context, actorID, conversationID string, userIDs []string) error
	RemoveParticipant(ctx context.Context, actorID, conversationID, userID string) error
}

// UserDirectory mirrors presence transitions into the system-of-record.
type UserDirectory interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
	SetOnline(ctx context.Context, id string, online bool, lastSeen *time.Time) error
}

// MembershipDirectory rebuilds room subscriptions on connect.
type MembershipDirectory interface {
	ListUserConversationIDs(ctx context.Context, userID string) ([]string, error)
	IsActive(ctx context.Context, conversationID, userID string) (bool, error)
}

// InboxStore drains events queued while the user was offline.
type InboxStore interface {
	DrainInbox(ctx context.Context, userID string) ([][]byte, error)
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	// rooms indexes live clients by conversation id; clientRooms is the
	// reverse index for O(rooms-of-client) cleanup on disconnect.
	rooms       map[string]map[*Client]struct{}
	clientRooms map[*Client]map[string]struct{}
	total       int
	maxConns    int

	presence *presence.Registry
	msgs     MessageOps
	parts    ParticipantOps
	users    UserDirectory
	members  MembershipDirectory
	inbox    InboxStore
	typing   *typing.Tracker

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(
	reg *presence.Registry,
	msgs MessageOps,
	parts ParticipantOps,
	users UserDirectory,
	members MembershipDirectory,
	inbox InboxStore,
	tracker *typing.Tracker,
	maxConns int,
) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:     make(map[string]map[*Client]struct{}),
		rooms:       make(map[string]map[*Client]struct{}),
		clientRooms: make(map[*Client]map[string]struct{}),
		maxConns:    maxConns,
		presence:    reg,
		msgs:        msgs,
		parts:       parts,
		users:       users,
		members:     members,
		inbox:       inbox,
		typing:      tracker,
		register:    make(chan *Client, 64),
		unregister:  make(chan *Client, 64),
		done:        make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.rooms = make(map[string]map[*Client]struct{})
	h.clientRooms = make(map[*Client]map[string]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

// addClient registers the connection, flips presence, rebuilds the client's
// room subscriptions from persisted membership, pushes the online roster and
// drains the offline inbox — in that order, so the fresh connection sees a
// consistent initial state before any live traffic.
func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hints := presence.ProfileHints{}
	if u, err := h.users.GetByID(ctx, c.userID); err == nil {
		hints.Username = u.Username
		hints.AvatarURL = u.AvatarURL
	}

	_, first, err := h.presence.AddConnection(ctx, c.userID, c.connID, hints)
	if err != nil {
		// Fail closed: без записи присутствия соединение бесполезно.
		logger.Errorf("ws presence add user=%s conn=%s: %v", c.userID, c.connID, err)
		h.Unregister(c)
		return
	}

	convIDs, err := h.members.ListUserConversationIDs(ctx, c.userID)
	if err != nil {
		logger.Errorf("ws list conversations user=%s: %v", c.userID, err)
	} else {
		h.mu.Lock()
		for _, cid := range convIDs {
			h.joinRoomLocked(c, cid)
		}
		h.mu.Unlock()
	}

	if first {
		if err := h.users.SetOnline(ctx, c.userID, true, nil); err != nil {
			logger.Errorf("ws set online user=%s: %v", c.userID, err)
		}
		h.broadcastUserStatus(c, convIDs, true, nil)
	}

	h.sendOnlineRoster(ctx, c)
	h.drainInbox(ctx, c)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, c.userID)
	}
	convIDs := make([]string, 0, len(h.clientRooms[c]))
	for cid := range h.clientRooms[c] {
		convIDs = append(convIDs, cid)
	}
	h.leaveAllRoomsLocked(c)
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stillOnline, lastSeen, err := h.presence.RemoveConnection(ctx, c.userID, c.connID)
	if err != nil {
		logger.Errorf("ws presence remove user=%s conn=%s: %v", c.userID, c.connID, err)
		return
	}
	if stillOnline {
		return
	}
	if err := h.users.SetOnline(ctx, c.userID, false, lastSeen); err != nil {
		logger.Errorf("ws set offline user=%s: %v", c.userID, err)
	}
	h.broadcastUserStatus(c, convIDs, false, lastSeen)
}

// HandleMessage dispatches incoming WebSocket messages. Every event passes
// the per-connection floodgate first.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	if !c.gate.allow() {
		h.sendError(c, model.Errf(model.ErrRateLimited, "too many events, slow down"))
		return
	}

	switch msg.Type {
	case EventSendMessage:
		h.handleSendMessage(ctx, c, msg)
	case EventMarkRead:
		h.handleMarkRead(ctx, c, msg)
	case EventMarkDelivered:
		h.handleMarkDelivered(ctx, c, msg)
	case EventSetTyping:
		h.handleSetTyping(ctx, c, msg)
	case EventJoinConversation:
		h.handleJoinConversation(ctx, c, msg)
	case EventLeaveConversation:
		h.handleLeaveConversation(c, msg)
	case EventGetPresence:
		h.handleGetPresence(ctx, c, msg)
	case EventEditMessage:
		h.handleEditMessage(ctx, c, msg)
	case EventDeleteMessage:
		h.handleDeleteMessage(ctx, c, msg)
	case EventAddParticipants:
		h.handleAddParticipants(ctx, c, msg)
	case EventRemoveParticipant:
		h.handleRemoveParticipant(ctx, c, msg)
	default:
		h.sendError(c, model.Errf(model.ErrValidation, "unknown event type %q", msg.Type))
	}
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleSendMessage", time.Now())()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ack, err := h.msgs.Submit(ctx, c.userID, pipeline.Draft{
		ConversationID: msg.ConversationID,
		ReceiverID:     msg.ReceiverID,
		Type:           msg.MsgType,
		Content:        msg.Content,
		AttachmentURL:  msg.AttachmentURL,
		ReplyToID:      msg.ReplyToID,
		ClientTempID:   msg.ClientTempID,
	})
	if err != nil {
		h.sendError(c, err)
		return
	}
	// Отправитель может писать в чат, комнаты которого у него ещё нет
	// (свежесозданный direct) — подписываем сразу.
	h.mu.Lock()
	h.joinRoomLocked(c, ack.ConversationID)
	h.mu.Unlock()

	h.sendToClient(c, OutgoingMessage{Type: EventMessagePending, Payload: ack})
}

func (h *Hub) handleMarkRead(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleMarkRead", time.Now())()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.msgs.MarkRead(ctx, c.userID, msg.ConversationID, msg.MessageIDs); err != nil {
		h.sendError(c, err)
	}
}

func (h *Hub) handleMarkDelivered(ctx context.Context, c *Client, msg IncomingMessage) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.msgs.MarkDelivered(ctx, c.userID, msg.MessageIDs); err != nil {
		h.sendError(c, err)
	}
}

func (h *Hub) handleSetTyping(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.ConversationID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if !h.inRoom(c, msg.ConversationID) {
		h.sendError(c, model.Errf(model.ErrNotParticipant, "not subscribed to conversation %s", msg.ConversationID))
		return
	}
	if err := h.typing.Set(ctx, msg.ConversationID, c.userID); err != nil {
		logger.Errorf("ws set typing user=%s conv=%s: %v", c.userID, msg.ConversationID, err)
		return
	}
	active, err := h.typing.Active(ctx, msg.ConversationID)
	if err != nil {
		logger.Errorf("ws list typing conv=%s: %v", msg.ConversationID, err)
	}

	out := OutgoingMessage{Type: EventUserTyping, Payload: TypingPayload{
		ConversationID: msg.ConversationID,
		UserID:         c.userID,
		ActiveUserIDs:  active,
	}}
	h.broadcastToRoom(msg.ConversationID, out, c.userID)
}

func (h *Hub) handleJoinConversation(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.ConversationID == "" {
		h.sendError(c, model.Errf(model.ErrValidation, "conversation_id required"))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	active, err := h.members.IsActive(ctx, msg.ConversationID, c.userID)
	if err != nil {
		h.sendError(c, err)
		return
	}
	if !active {
		h.sendError(c, model.Errf(model.ErrNotParticipant, "not a participant of conversation %s", msg.ConversationID))
		return
	}
	h.mu.Lock()
	h.joinRoomLocked(c, msg.ConversationID)
	h.mu.Unlock()
}

func (h *Hub) handleLeaveConversation(c *Client, msg IncomingMessage) {
	if msg.ConversationID == "" {
		return
	}
	h.mu.Lock()
	h.leaveRoomLocked(c, msg.ConversationID)
	h.mu.Unlock()
}

func (h *Hub) handleGetPresence(ctx context.Context, c *Client, msg IncomingMessage) {
	ids := msg.UserIDs
	if len(ids) == 0 && msg.UserID != "" {
		ids = []string{msg.UserID}
	}
	if len(ids) == 0 {
		h.sendError(c, model.Errf(model.ErrValidation, "user_id or user_ids required"))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	records, err := h.presence.GetPresenceBatch(ctx, ids)
	if err != nil {
		if errors.Is(err, presence.ErrBatchTooLarge) {
			h.sendError(c, model.Errf(model.ErrValidation, "at most %d user ids per query", presence.MaxBatchSize))
			return
		}
		h.sendError(c, err)
		return
	}
	h.sendToClient(c, OutgoingMessage{Type: EventPresenceInfo, Payload: PresenceInfoPayload{Users: records}})
}

func (h *Hub) handleEditMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleEditMessage", time.Now())()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.msgs.EditMessage(ctx, c.userID, msg.MessageID, msg.Content); err != nil {
		h.sendError(c, err)
	}
}

func (h *Hub) handleDeleteMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleDeleteMessage", time.Now())()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.msgs.DeleteMessage(ctx, c.userID, msg.MessageID); err != nil {
		h.sendError(c, err)
	}
}

func (h *Hub) handleAddParticipants(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleAddParticipants", time.Now())()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.parts.AddParticipants(ctx, c.userID, msg.ConversationID, msg.UserIDs); err != nil {
		h.sendError(c, err)
	}
}

func (h *Hub) handleRemoveParticipant(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleRemoveParticipant", time.Now())()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	userID := msg.UserID
	if userID == "" {
		userID = c.userID // без user_id — добровольный выход
	}
	if err := h.parts.RemoveParticipant(ctx, c.userID, msg.ConversationID, userID); err != nil {
		h.sendError(c, err)
	}
}

// --- pipeline.Fanout ---

// NewMessage broadcasts a processed message to the conversation's room.
func (h *Hub) NewMessage(conversationID string, m *model.Message) {
	h.broadcastToRoom(conversationID, OutgoingMessage{Type: EventNewMessage, Payload: m}, "")
}

func (h *Hub) MessageUpdated(conversationID, messageID, content string, editedAt time.Time) {
	h.broadcastToRoom(conversationID, OutgoingMessage{Type: EventMessageUpdated, Payload: MessageUpdatedPayload{
		MessageID:      messageID,
		ConversationID: conversationID,
		Content:        content,
		EditedAt:       editedAt,
	}}, "")
}

func (h *Hub) MessageDeleted(conversationID, messageID string) {
	h.broadcastToRoom(conversationID, OutgoingMessage{Type: EventMessageDeleted, Payload: MessageDeletedPayload{
		MessageID:      messageID,
		ConversationID: conversationID,
	}}, "")
}

// ReceiptToSender routes a delivered/read receipt to the original sender's
// live connections only.
func (h *Hub) ReceiptToSender(r *model.Receipt) {
	evType := EventMessagesDelivered
	if r.Status == model.MessageStatusRead {
		evType = EventMessagesRead
	}
	h.sendToUser(r.SenderID, OutgoingMessage{Type: evType, Payload: ReceiptPayload{
		ConversationID: r.ConversationID,
		ReaderID:       r.ReaderID,
		MessageIDs:     r.MessageIDs,
	}})
}

// ConversationChanged re-broadcasts a membership change and fixes up the room
// index: added users' live connections are subscribed, removed users' are not.
func (h *Hub) ConversationChanged(op *model.ConversationOp) {
	if len(op.Added) > 0 {
		h.mu.Lock()
		for _, uid := range op.Added {
			for c := range h.clients[uid] {
				h.joinRoomLocked(c, op.ConversationID)
			}
		}
		h.mu.Unlock()
		h.broadcastToRoom(op.ConversationID, OutgoingMessage{Type: EventParticipantAdded, Payload: ParticipantChangePayload{
			ConversationID: op.ConversationID,
			ActorID:        op.ActorID,
			UserIDs:        op.Added,
		}}, "")
	}
	if op.Removed != "" {
		// Broadcast first so the removed user still sees the event.
		h.broadcastToRoom(op.ConversationID, OutgoingMessage{Type: EventParticipantRemoved, Payload: ParticipantChangePayload{
			ConversationID: op.ConversationID,
			ActorID:        op.ActorID,
			UserID:         op.Removed,
			IsLeave:        op.ActorID == op.Removed,
		}}, "")
		h.mu.Lock()
		for c := range h.clients[op.Removed] {
			h.leaveRoomLocked(c, op.ConversationID)
		}
		h.mu.Unlock()
	}
}

// touchPresence продлевает запись присутствия соединения; вызывается из
// ping-цикла writePump, чтобы простаивающее живое соединение не истекло
// в store и не начало читаться как offline.
func (h *Hub) touchPresence(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.presence.Touch(ctx, c.userID, c.connID); err != nil {
		logger.Errorf("ws presence touch user=%s conn=%s: %v", c.userID, c.connID, err)
	}
}

// --- connect-time sync ---

func (h *Hub) sendOnlineRoster(ctx context.Context, c *Client) {
	online, err := h.presence.ListOnline(ctx)
	if err != nil {
		logger.Errorf("ws online roster user=%s: %v", c.userID, err)
		return
	}
	h.sendToClient(c, OutgoingMessage{Type: EventAllOnlineUsers, Payload: OnlineUsersPayload{Users: online}})
}

// drainInbox replays messages queued while every device was offline. They go
// only to this fresh connection, not to the user's other devices.
func (h *Hub) drainInbox(ctx context.Context, c *Client) {
	payloads, err := h.inbox.DrainInbox(ctx, c.userID)
	if err != nil {
		logger.Errorf("ws inbox drain user=%s: %v", c.userID, err)
		return
	}
	for _, raw := range payloads {
		var m model.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			logger.Errorf("ws inbox decode user=%s: %v", c.userID, err)
			continue
		}
		h.sendToClient(c, OutgoingMessage{Type: EventNewMessage, Payload: &m})
	}
}

// broadcastUserStatus notifies live co-members about an online/offline
// transition, at most once per user.
func (h *Hub) broadcastUserStatus(c *Client, convIDs []string, online bool, lastSeen *time.Time) {
	evType := EventUserOffline
	if online {
		evType = EventUserOnline
	}
	out := OutgoingMessage{Type: evType, Payload: UserStatusPayload{
		UserID:   c.userID,
		Online:   online,
		LastSeen: lastSeen,
	}}

	h.mu.RLock()
	targets := make(map[*Client]struct{}, 16)
	for _, cid := range convIDs {
		for member := range h.rooms[cid] {
			if member.userID == c.userID {
				continue
			}
			targets[member] = struct{}{}
		}
	}
	h.mu.RUnlock()

	for member := range targets {
		h.sendToClient(member, out)
	}
}

// --- room index ---

func (h *Hub) joinRoomLocked(c *Client, conversationID string) {
	if _, ok := h.rooms[conversationID]; !ok {
		h.rooms[conversationID] = make(map[*Client]struct{})
	}
	h.rooms[conversationID][c] = struct{}{}
	if _, ok := h.clientRooms[c]; !ok {
		h.clientRooms[c] = make(map[string]struct{})
	}
	h.clientRooms[c][conversationID] = struct{}{}
}

func (h *Hub) leaveRoomLocked(c *Client, conversationID string) {
	if room, ok := h.rooms[conversationID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	if set, ok := h.clientRooms[c]; ok {
		delete(set, conversationID)
	}
}

func (h *Hub) leaveAllRoomsLocked(c *Client) {
	for cid := range h.clientRooms[c] {
		if room, ok := h.rooms[cid]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, cid)
			}
		}
	}
	delete(h.clientRooms, c)
}

func (h *Hub) inRoom(c *Client, conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clientRooms[c][conversationID]
	return ok
}

func (h *Hub) broadcastToRoom(conversationID string, msg OutgoingMessage, exceptUserID string) {
	h.mu.RLock()
	room, ok := h.rooms[conversationID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(room))
	for c := range room {
		if exceptUserID != "" && c.userID == exceptUserID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) sendToUser(userID string, msg OutgoingMessage) {
	h.mu.RLock()
	clients, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) sendError(c *Client, err error) {
	var opErr *model.OpError
	if !errors.As(err, &opErr) {
		logger.Errorf("ws internal error user=%s: %v", c.userID, err)
		opErr = model.Errf(model.ErrInternal, "internal error")
	}
	h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: opErr})
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
