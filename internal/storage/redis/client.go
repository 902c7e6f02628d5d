package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTL: presence-ключи живут дольше heartbeat-цикла (мертвый процесс не оставит
// вечный "online"); инбокс храним неделю; ключ дедупликации — сутки.
const (
	presenceTTL  = 5 * time.Minute
	unreadTTL    = 30 * 24 * time.Hour
	typingKeyTTL = 30 * time.Second
	inboxTTL     = 7 * 24 * time.Hour
	tempIDTTL    = 24 * time.Hour

	maxInboxLen = 500 // старые события вытесняются, клиент дочитает историю из БД
)

const (
	keyOnline = "presence:online"
	keyQueue  = "queue:events"
	keyDead   = "queue:events:dead"
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func connsKey(userID string) string  { return "presence:conns:" + userID }
func infoKey(userID string) string   { return "presence:info:" + userID }
func unreadKey(cid, uid string) string { return "unread:" + cid + ":" + uid }
func typingKey(cid string) string    { return "typing:" + cid }
func inboxKey(userID string) string  { return "inbox:" + userID }
func tempIDKey(sid, tid string) string { return "ctid:" + sid + ":" + tid }

// AddConnection добавляет handle в множество соединений пользователя (SADD —
// идемпотентно и коммутативно, параллельные connect/disconnect не теряют handle).
func (c *Client) AddConnection(ctx context.Context, userID, handle string, info map[string]string) (int, error) {
	pipe := c.cli.TxPipeline()
	pipe.SAdd(ctx, connsKey(userID), handle)
	if len(info) > 0 {
		args := make([]any, 0, len(info)*2)
		for k, v := range info {
			args = append(args, k, v)
		}
		pipe.HSet(ctx, infoKey(userID), args...)
	}
	pipe.Expire(ctx, connsKey(userID), presenceTTL)
	pipe.Expire(ctx, infoKey(userID), presenceTTL)
	pipe.SAdd(ctx, keyOnline, userID)
	pipe.Expire(ctx, keyOnline, presenceTTL)
	card := pipe.SCard(ctx, connsKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis.AddConnection: %w", err)
	}
	return int(card.Val()), nil
}

// TouchPresence продлевает TTL presence-ключей живого соединения; вызывается
// по ping-циклу. SAdd заодно возвращает на место handle, успевший истечь
// между пингами.
func (c *Client) TouchPresence(ctx context.Context, userID, handle string) error {
	pipe := c.cli.TxPipeline()
	pipe.SAdd(ctx, connsKey(userID), handle)
	pipe.Expire(ctx, connsKey(userID), presenceTTL)
	pipe.Expire(ctx, infoKey(userID), presenceTTL)
	pipe.SAdd(ctx, keyOnline, userID)
	pipe.Expire(ctx, keyOnline, presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis.TouchPresence: %w", err)
	}
	return nil
}

func (c *Client) RemoveConnection(ctx context.Context, userID, handle string) (int, error) {
	pipe := c.cli.TxPipeline()
	pipe.SRem(ctx, connsKey(userID), handle)
	card := pipe.SCard(ctx, connsKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis.RemoveConnection: %w", err)
	}
	remaining := int(card.Val())
	if remaining == 0 {
		pipe := c.cli.TxPipeline()
		pipe.Del(ctx, connsKey(userID), infoKey(userID))
		pipe.SRem(ctx, keyOnline, userID)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("redis.RemoveConnection cleanup: %w", err)
		}
	}
	return remaining, nil
}

func (c *Client) GetPresence(ctx context.Context, userID string) ([]string, map[string]string, error) {
	handles, err := c.cli.SMembers(ctx, connsKey(userID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("redis.GetPresence handles: %w", err)
	}
	if len(handles) == 0 {
		// Handle-ключ истёк (упавший процесс) — чиним индекс online по пути.
		c.cli.SRem(ctx, keyOnline, userID)
		return nil, nil, nil
	}
	info, err := c.cli.HGetAll(ctx, infoKey(userID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("redis.GetPresence info: %w", err)
	}
	return handles, info, nil
}

func (c *Client) ListOnline(ctx context.Context) ([]string, error) {
	ids, err := c.cli.SMembers(ctx, keyOnline).Result()
	if err != nil {
		return nil, fmt.Errorf("redis.ListOnline: %w", err)
	}
	return ids, nil
}

func (c *Client) IncrUnread(ctx context.Context, conversationID, userID string) (int64, error) {
	key := unreadKey(conversationID, userID)
	pipe := c.cli.TxPipeline()
	n := pipe.HIncrBy(ctx, key, "n", 1)
	pipe.HSet(ctx, key, "at", time.Now().UnixMilli())
	pipe.Expire(ctx, key, unreadTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis.IncrUnread: %w", err)
	}
	return n.Val(), nil
}

func (c *Client) SetUnread(ctx context.Context, conversationID, userID string, n int64) error {
	key := unreadKey(conversationID, userID)
	pipe := c.cli.TxPipeline()
	pipe.HSet(ctx, key, "n", n, "at", time.Now().UnixMilli())
	pipe.Expire(ctx, key, unreadTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis.SetUnread: %w", err)
	}
	return nil
}

func (c *Client) GetUnread(ctx context.Context, conversationID, userID string) (int64, time.Duration, bool, error) {
	vals, err := c.cli.HGetAll(ctx, unreadKey(conversationID, userID)).Result()
	if err != nil {
		return 0, 0, false, fmt.Errorf("redis.GetUnread: %w", err)
	}
	if len(vals) == 0 {
		return 0, 0, false, nil
	}
	n, err := strconv.ParseInt(vals["n"], 10, 64)
	if err != nil {
		return 0, 0, false, nil
	}
	at, _ := strconv.ParseInt(vals["at"], 10, 64)
	age := time.Since(time.UnixMilli(at))
	return n, age, true, nil
}

func (c *Client) SetTyping(ctx context.Context, conversationID, userID string, at time.Time) error {
	key := typingKey(conversationID)
	pipe := c.cli.TxPipeline()
	pipe.HSet(ctx, key, userID, at.UnixMilli())
	pipe.Expire(ctx, key, typingKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis.SetTyping: %w", err)
	}
	return nil
}

// ListTyping возвращает записи новее cutoff; устаревшие поля удаляются
// по пути (ленивая эвикция вместо фонового свипа).
func (c *Client) ListTyping(ctx context.Context, conversationID string, cutoff time.Time) (map[string]time.Time, error) {
	key := typingKey(conversationID)
	vals, err := c.cli.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis.ListTyping: %w", err)
	}
	out := make(map[string]time.Time, len(vals))
	var stale []string
	for uid, raw := range vals {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			stale = append(stale, uid)
			continue
		}
		at := time.UnixMilli(ms)
		if at.Before(cutoff) {
			stale = append(stale, uid)
			continue
		}
		out[uid] = at
	}
	if len(stale) > 0 {
		c.cli.HDel(ctx, key, stale...)
	}
	return out, nil
}

func (c *Client) Enqueue(ctx context.Context, payload []byte) error {
	if err := c.cli.LPush(ctx, keyQueue, payload).Err(); err != nil {
		return fmt.Errorf("redis.Enqueue: %w", err)
	}
	return nil
}

func (c *Client) Dequeue(ctx context.Context, wait time.Duration) ([]byte, error) {
	res, err := c.cli.BRPop(ctx, wait, keyQueue).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis.Dequeue: %w", err)
	}
	// BRPOP возвращает [key, value]
	if len(res) != 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

func (c *Client) EnqueueDead(ctx context.Context, payload []byte) error {
	if err := c.cli.LPush(ctx, keyDead, payload).Err(); err != nil {
		return fmt.Errorf("redis.EnqueueDead: %w", err)
	}
	return nil
}

func (c *Client) PushInbox(ctx context.Context, userID string, payload []byte) error {
	key := inboxKey(userID)
	pipe := c.cli.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, maxInboxLen-1)
	pipe.Expire(ctx, key, inboxTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis.PushInbox: %w", err)
	}
	return nil
}

// DrainInbox атомарно читает и очищает инбокс; события возвращаются в порядке
// поступления (старые первыми).
func (c *Client) DrainInbox(ctx context.Context, userID string) ([][]byte, error) {
	key := inboxKey(userID)
	pipe := c.cli.TxPipeline()
	rng := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis.DrainInbox: %w", err)
	}
	items := rng.Val()
	out := make([][]byte, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		out = append(out, []byte(items[i]))
	}
	return out, nil
}

func (c *Client) PutClientTempID(ctx context.Context, senderID, tempID, messageID string) (string, bool, error) {
	key := tempIDKey(senderID, tempID)
	created, err := c.cli.SetNX(ctx, key, messageID, tempIDTTL).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis.PutClientTempID: %w", err)
	}
	if created {
		return messageID, true, nil
	}
	existing, err := c.cli.Get(ctx, key).Result()
	if err == redis.Nil {
		// Ключ истёк между SetNX и Get — считаем запись новой.
		return messageID, true, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis.PutClientTempID get: %w", err)
	}
	return existing, false, nil
}
