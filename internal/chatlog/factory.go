package chatlog

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewSink wires the configured backends, degrading to in-process storage
// when a URL is absent so local runs need no infrastructure.
func NewSink(ctx context.Context, databaseURL, redisURL string) (*Sink, error) {
	sink := &Sink{}

	if strings.TrimSpace(redisURL) == "" {
		sink.Rolling = NewMemoryRolling()
	} else {
		rolling, err := NewRedisRolling(ctx, redisURL)
		if err != nil {
			return nil, err
		}
		sink.Rolling = rolling
	}

	if strings.TrimSpace(databaseURL) == "" {
		sink.Durable = NewMemoryDurable()
	} else {
		durable, err := NewPostgresStore(ctx, databaseURL)
		if err != nil {
			_ = sink.Rolling.Close()
			return nil, err
		}
		sink.Durable = durable
	}

	return sink, nil
}

// MemoryDurable is an in-process turn history for local/dev use.
type MemoryDurable struct {
	mu      sync.RWMutex
	records map[string][]TurnRecord
}

func NewMemoryDurable() *MemoryDurable {
	return &MemoryDurable{records: make(map[string][]TurnRecord)}
}

func (m *MemoryDurable) AppendTurn(_ context.Context, record TurnRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	m.records[record.UserID] = append(m.records[record.UserID], record)
	return nil
}

func (m *MemoryDurable) RecentTurns(_ context.Context, userID string, limit int) ([]TurnRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	arr := m.records[userID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TurnRecord, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

func (m *MemoryDurable) Close() error { return nil }
