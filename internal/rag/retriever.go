package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const cacheTTL = 5 * time.Minute

// VectorRetriever ranks stored chunks against the query embedding.
// Chunks with an empty owner id form the shared application knowledge
// base; the rest belong to individual users.
type VectorRetriever struct {
	pool     *pgxpool.Pool
	embedder Embedder
	topKUser int
	topKApp  int
	logger   *slog.Logger

	cacheMu sync.Mutex
	cache   map[string]cachedResult
}

type cachedResult struct {
	result  *Result
	expires time.Time
}

func NewVectorRetriever(ctx context.Context, databaseURL string, embedder Embedder, topKUser, topKApp int, logger *slog.Logger) (*VectorRetriever, error) {
	if topKUser <= 0 {
		topKUser = 3
	}
	if topKApp <= 0 {
		topKApp = 2
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &VectorRetriever{
		pool:     pool,
		embedder: embedder,
		topKUser: topKUser,
		topKApp:  topKApp,
		logger:   logger,
		cache:    make(map[string]cachedResult),
	}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		`CREATE TABLE IF NOT EXISTS context_chunks (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			embedding vector(1536) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_context_chunks_owner ON context_chunks (owner_id);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// Retrieve looks up the top user and app snippets for the query. Quota
// exhaustion degrades to an empty flagged result, never an error.
func (r *VectorRetriever) Retrieve(ctx context.Context, userID, query string) (*Result, error) {
	key := cacheKey(userID, query)
	if cached := r.fromCache(key); cached != nil {
		return cached, nil
	}

	embedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			r.logger.Warn("embedding quota exceeded, continuing without context", "user_id", userID)
			return &Result{Query: query, Method: "vector", QuotaExceeded: true, RetrievedAt: time.Now().UTC()}, nil
		}
		return nil, err
	}

	vec := vectorLiteral(embedding)

	userSnippets, err := r.search(ctx, vec, userID, r.topKUser)
	if err != nil {
		return nil, fmt.Errorf("search user context: %w", err)
	}
	appSnippets, err := r.search(ctx, vec, "", r.topKApp)
	if err != nil {
		return nil, fmt.Errorf("search app context: %w", err)
	}

	result := &Result{
		UserSnippets: userSnippets,
		AppSnippets:  appSnippets,
		Method:       "vector",
		Query:        query,
		RetrievedAt:  time.Now().UTC(),
	}
	r.toCache(key, result)

	r.logger.Info("retrieved context",
		"user_matches", len(userSnippets), "app_matches", len(appSnippets))
	return result, nil
}

func (r *VectorRetriever) search(ctx context.Context, vec, ownerID string, limit int) ([]Snippet, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT text, 1 - (embedding <=> $1::vector) AS score
		 FROM context_chunks WHERE owner_id=$2
		 ORDER BY embedding <=> $1::vector LIMIT $3`,
		vec, ownerID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snippets []Snippet
	for rows.Next() {
		var s Snippet
		if err := rows.Scan(&s.Text, &s.Score); err != nil {
			return nil, err
		}
		snippets = append(snippets, s)
	}
	return snippets, rows.Err()
}

// IndexText embeds and stores one chunk. An empty ownerID files it under
// the shared application knowledge base.
func (r *VectorRetriever) IndexText(ctx context.Context, ownerID, source, text string) error {
	embedding, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed chunk: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO context_chunks (id, owner_id, source, text, embedding)
		 VALUES ($1, $2, $3, $4, $5::vector)`,
		uuid.NewString(), ownerID, source, text, vectorLiteral(embedding),
	)
	if err != nil {
		return fmt.Errorf("store chunk: %w", err)
	}
	return nil
}

func (r *VectorRetriever) fromCache(key string) *Result {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	c, ok := r.cache[key]
	if !ok || time.Now().After(c.expires) {
		delete(r.cache, key)
		return nil
	}
	return c.result
}

func (r *VectorRetriever) toCache(key string, result *Result) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.cache[key] = cachedResult{result: result, expires: time.Now().Add(cacheTTL)}
}

func (r *VectorRetriever) Close() error {
	r.pool.Close()
	return nil
}

func cacheKey(userID, query string) string {
	sum := sha256.Sum256([]byte(userID + "\x00" + query))
	return hex.EncodeToString(sum[:])
}

func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// NoopRetriever serves empty context when no database is configured.
type NoopRetriever struct{}

func (NoopRetriever) Retrieve(_ context.Context, _, query string) (*Result, error) {
	return &Result{Query: query, Method: "none", RetrievedAt: time.Now().UTC()}, nil
}

func (NoopRetriever) Close() error { return nil }

// NewRetriever creates a vector retriever when a database is configured,
// otherwise the noop fallback.
func NewRetriever(ctx context.Context, databaseURL string, embedder Embedder, topKUser, topKApp int, logger *slog.Logger) (Retriever, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NoopRetriever{}, nil
	}
	return NewVectorRetriever(ctx, databaseURL, embedder, topKUser, topKApp, logger)
}
