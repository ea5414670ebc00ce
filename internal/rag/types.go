// Package rag retrieves personalized context for prompt building: a few
// snippets about the user plus shared application knowledge, ranked by
// similarity to the current query.
package rag

import (
	"context"
	"strings"
	"time"
)

// Snippet is one retrieved piece of context.
type Snippet struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Result is one retrieval outcome. QuotaExceeded marks degraded runs
// where embedding generation was unavailable; it is not an error.
type Result struct {
	UserSnippets  []Snippet `json:"user_context"`
	AppSnippets   []Snippet `json:"app_context"`
	Method        string    `json:"retrieval_method"`
	Query         string    `json:"query"`
	QuotaExceeded bool      `json:"quota_exceeded,omitempty"`
	RetrievedAt   time.Time `json:"timestamp"`
}

func (r *Result) Empty() bool {
	return len(r.UserSnippets) == 0 && len(r.AppSnippets) == 0
}

const maxContextChars = 2000

// ContextBlock renders the snippets as a prompt section, truncated so a
// large knowledge base cannot blow up the instruction size.
func (r *Result) ContextBlock() string {
	var sections []string

	if lines := bulletize(r.UserSnippets); lines != "" {
		sections = append(sections, "Your Personal Context:\n"+lines)
	}
	if lines := bulletize(r.AppSnippets); lines != "" {
		sections = append(sections, "Application Knowledge:\n"+lines)
	}
	if len(sections) == 0 {
		return ""
	}

	block := strings.Join(sections, "\n\n")
	if len(block) > maxContextChars {
		block = block[:maxContextChars] + "..."
	}
	return block
}

func bulletize(snippets []Snippet) string {
	var lines []string
	for _, s := range snippets {
		if strings.TrimSpace(s.Text) == "" {
			continue
		}
		lines = append(lines, "- "+s.Text)
	}
	return strings.Join(lines, "\n")
}

// Retriever looks up context for one user query.
type Retriever interface {
	Retrieve(ctx context.Context, userID, query string) (*Result, error)
	Close() error
}
