package chatlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// rollingCap bounds how many messages the cache retains per user.
	rollingCap = 50
	rollingTTL = 24 * time.Hour
)

func rollingKey(userID string) string {
	return "chat:rolling:" + userID
}

// RedisRolling keeps the rolling message tail in a capped Redis list.
type RedisRolling struct {
	client *redis.Client
}

func NewRedisRolling(ctx context.Context, redisURL string) (*RedisRolling, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 5 * time.Second
	opts.WriteTimeout = 5 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisRolling{client: client}, nil
}

func (r *RedisRolling) Append(ctx context.Context, userID, role, text string, ts time.Time) error {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	payload, err := json.Marshal(Entry{Role: role, Text: text, Timestamp: ts})
	if err != nil {
		return fmt.Errorf("encode rolling entry: %w", err)
	}

	key := rollingKey(userID)
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, rollingCap-1)
	pipe.Expire(ctx, key, rollingTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append rolling entry: %w", err)
	}
	return nil
}

func (r *RedisRolling) Recent(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > rollingCap {
		limit = rollingCap
	}

	raw, err := r.client.LRange(ctx, rollingKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read rolling entries: %w", err)
	}

	// LPush stores newest-first; reverse into chronological order.
	entries := make([]Entry, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var e Entry
		if err := json.Unmarshal([]byte(raw[i]), &e); err != nil {
			return nil, fmt.Errorf("decode rolling entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (r *RedisRolling) Close() error {
	return r.client.Close()
}

// MemoryRolling is an in-process rolling cache for local/dev use.
type MemoryRolling struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

func NewMemoryRolling() *MemoryRolling {
	return &MemoryRolling{entries: make(map[string][]Entry)}
}

func (m *MemoryRolling) Append(_ context.Context, userID, role, text string, ts time.Time) error {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	arr := append(m.entries[userID], Entry{Role: role, Text: text, Timestamp: ts})
	if len(arr) > rollingCap {
		arr = arr[len(arr)-rollingCap:]
	}
	m.entries[userID] = arr
	return nil
}

func (m *MemoryRolling) Recent(_ context.Context, userID string, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	arr := m.entries[userID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Entry, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

func (m *MemoryRolling) Close() error { return nil }
