// Package chatlog persists conversation history in two tiers: a rolling
// cache of recent messages used to warm session prompts, and a durable
// per-turn record with the retrieval context that shaped each reply.
package chatlog

import (
	"context"
	"time"
)

// Entry is one message in the rolling cache.
type Entry struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ContextSnapshot captures the retrieval context that informed a reply.
type ContextSnapshot struct {
	UserSnippets []string `json:"user_snippets,omitempty"`
	AppSnippets  []string `json:"app_snippets,omitempty"`
	Method       string   `json:"method,omitempty"`
	Query        string   `json:"query,omitempty"`
}

// TurnRecord is one completed user/assistant exchange.
type TurnRecord struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	SessionID     string          `json:"session_id"`
	UserText      string          `json:"user_text"`
	AssistantText string          `json:"assistant_text"`
	Context       ContextSnapshot `json:"context"`
	CreatedAt     time.Time       `json:"created_at"`
}

// RollingCache holds the short tail of recent messages per user.
type RollingCache interface {
	Append(ctx context.Context, userID, role, text string, ts time.Time) error
	Recent(ctx context.Context, userID string, limit int) ([]Entry, error)
	Close() error
}

// DurableStore keeps the permanent turn history.
type DurableStore interface {
	AppendTurn(ctx context.Context, record TurnRecord) error
	RecentTurns(ctx context.Context, userID string, limit int) ([]TurnRecord, error)
	Close() error
}

// Sink bundles both tiers behind the surface the session layer consumes.
type Sink struct {
	Rolling RollingCache
	Durable DurableStore
}

func (s *Sink) Close() error {
	var first error
	if s.Rolling != nil {
		if err := s.Rolling.Close(); err != nil {
			first = err
		}
	}
	if s.Durable != nil {
		if err := s.Durable.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
