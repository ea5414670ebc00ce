package profile

import (
	"context"
	"strings"
	"sync"
	"time"
)

// NewStore creates a postgres-backed store when configured, otherwise
// in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

func guestProfile(userID string) *Profile {
	return &Profile{UserID: userID, Language: "ru", SkinID: 1}
}

// MemoryStore is an in-process profile store for local/dev use.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*Profile)}
}

func (s *MemoryStore) Get(_ context.Context, userID string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return guestProfile(userID), nil
	}
	c := *p
	return &c, nil
}

func (s *MemoryStore) Save(_ context.Context, p *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(p.Language) == "" {
		p.Language = "ru"
	}
	if p.SkinID == 0 {
		p.SkinID = 1
	}
	p.UpdatedAt = time.Now().UTC()
	c := *p
	s.profiles[p.UserID] = &c
	return nil
}

func (s *MemoryStore) SetSkin(_ context.Context, userID string, skinID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		p = guestProfile(userID)
		s.profiles[userID] = p
	}
	p.SkinID = skinID
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
