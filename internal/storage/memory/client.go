// Package memory реализует storage.Store в памяти процесса — для запуска
// с флагом -dev без Redis и для тестов. Семантика повторяет redis.Client.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	unreadTTL   = 30 * 24 * time.Hour
	typingTTL   = 30 * time.Second
	inboxTTL    = 7 * 24 * time.Hour
	tempIDTTL   = 24 * time.Hour
	queueBuffer = 4096
	maxInboxLen = 500
)

type unreadEntry struct {
	n  int64
	at time.Time
}

type expiringValue struct {
	val string
	exp time.Time
}

type inboxEntry struct {
	payload []byte
	exp     time.Time
}

type Client struct {
	mu      sync.RWMutex
	conns   map[string]map[string]struct{} // userID → handle set
	info    map[string]map[string]string   // userID → cached profile fields
	unread  map[string]unreadEntry         // convID+userID
	typing  map[string]map[string]time.Time
	inbox   map[string][]inboxEntry
	tempIDs map[string]expiringValue

	queue chan []byte
	dead  [][]byte
}

func New() *Client {
	return &Client{
		conns:   make(map[string]map[string]struct{}),
		info:    make(map[string]map[string]string),
		unread:  make(map[string]unreadEntry),
		typing:  make(map[string]map[string]time.Time),
		inbox:   make(map[string][]inboxEntry),
		tempIDs: make(map[string]expiringValue),
		queue:   make(chan []byte, queueBuffer),
	}
}

func (c *Client) Close() error { return nil }

func unreadKey(cid, uid string) string { return cid + ":" + uid }

func (c *Client) AddConnection(ctx context.Context, userID, handle string, info map[string]string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		c.conns[userID] = set
	}
	set[handle] = struct{}{}
	if len(info) > 0 {
		cached, ok := c.info[userID]
		if !ok {
			cached = make(map[string]string, len(info))
			c.info[userID] = cached
		}
		for k, v := range info {
			cached[k] = v
		}
	}
	return len(set), nil
}

// TouchPresence повторяет семантику SAdd в redis-реализации: handle живого
// соединения возвращается в множество, даже если успел из него исчезнуть.
// Срока жизни у записей в памяти нет, продлевать нечего.
func (c *Client) TouchPresence(ctx context.Context, userID, handle string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		c.conns[userID] = set
	}
	set[handle] = struct{}{}
	return nil
}

func (c *Client) RemoveConnection(ctx context.Context, userID, handle string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.conns[userID]
	delete(set, handle)
	remaining := len(set)
	if remaining == 0 {
		delete(c.conns, userID)
		delete(c.info, userID)
	}
	return remaining, nil
}

func (c *Client) GetPresence(ctx context.Context, userID string) ([]string, map[string]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.conns[userID]
	if !ok || len(set) == 0 {
		return nil, nil, nil
	}
	handles := make([]string, 0, len(set))
	for h := range set {
		handles = append(handles, h)
	}
	info := make(map[string]string, len(c.info[userID]))
	for k, v := range c.info[userID] {
		info[k] = v
	}
	return handles, info, nil
}

func (c *Client) ListOnline(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.conns))
	for uid, set := range c.conns {
		if len(set) > 0 {
			ids = append(ids, uid)
		}
	}
	return ids, nil
}

func (c *Client) IncrUnread(ctx context.Context, conversationID, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := unreadKey(conversationID, userID)
	e := c.unread[key]
	e.n++
	e.at = time.Now()
	c.unread[key] = e
	return e.n, nil
}

func (c *Client) SetUnread(ctx context.Context, conversationID, userID string, n int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unread[unreadKey(conversationID, userID)] = unreadEntry{n: n, at: time.Now()}
	return nil
}

func (c *Client) GetUnread(ctx context.Context, conversationID, userID string) (int64, time.Duration, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.unread[unreadKey(conversationID, userID)]
	if !ok || time.Since(e.at) > unreadTTL {
		return 0, 0, false, nil
	}
	return e.n, time.Since(e.at), true, nil
}

func (c *Client) SetTyping(ctx context.Context, conversationID, userID string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.typing[conversationID]
	if !ok {
		m = make(map[string]time.Time)
		c.typing[conversationID] = m
	}
	m[userID] = at
	return nil
}

func (c *Client) ListTyping(ctx context.Context, conversationID string, cutoff time.Time) (map[string]time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.typing[conversationID]
	out := make(map[string]time.Time, len(m))
	for uid, at := range m {
		if at.Before(cutoff) || time.Since(at) > typingTTL {
			delete(m, uid)
			continue
		}
		out[uid] = at
	}
	if len(m) == 0 {
		delete(c.typing, conversationID)
	}
	return out, nil
}

func (c *Client) Enqueue(ctx context.Context, payload []byte) error {
	select {
	case c.queue <- payload:
		return nil
	default:
		return errors.New("memory.Enqueue: queue full")
	}
}

func (c *Client) Dequeue(ctx context.Context, wait time.Duration) ([]byte, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case payload := <-c.queue:
		return payload, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) EnqueueDead(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dead = append(c.dead, payload)
	return nil
}

// DeadLetters возвращает содержимое dead-letter очереди (для тестов и отладки).
func (c *Client) DeadLetters() [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([][]byte, len(c.dead))
	copy(out, c.dead)
	return out
}

func (c *Client) PushInbox(ctx context.Context, userID string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := append(c.inbox[userID], inboxEntry{payload: payload, exp: time.Now().Add(inboxTTL)})
	if len(list) > maxInboxLen {
		list = list[len(list)-maxInboxLen:]
	}
	c.inbox[userID] = list
	return nil
}

func (c *Client) DrainInbox(ctx context.Context, userID string) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.inbox[userID]
	delete(c.inbox, userID)
	now := time.Now()
	out := make([][]byte, 0, len(list))
	for _, e := range list {
		if now.After(e.exp) {
			continue
		}
		out = append(out, e.payload)
	}
	return out, nil
}

func (c *Client) PutClientTempID(ctx context.Context, senderID, tempID, messageID string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := senderID + ":" + tempID
	if e, ok := c.tempIDs[key]; ok && time.Now().Before(e.exp) {
		return e.val, false, nil
	}
	c.tempIDs[key] = expiringValue{val: messageID, exp: time.Now().Add(tempIDTTL)}
	return messageID, true, nil
}
