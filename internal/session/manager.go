package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of one streaming session.
type State string

const (
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateActive     State = "active"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

var ErrNotFound = errors.New("session not found")

// Session is the registry's view of one client connection.
type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	State          State     `json:"state"`
	Voice          string    `json:"voice"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Manager tracks live sessions across connections. The per-session state
// machine itself lives with the stream orchestrator; the manager provides
// lookup, liveness accounting and inactivity expiry.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(userID, voice string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		State:          StateConnecting,
		Voice:          voice,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// SetVoice records a mid-session voice switch.
func (m *Manager) SetVoice(sessionID, voice string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.Voice = voice
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// Transition advances a session's state. Only forward edges are legal;
// transitioning to the current state is a no-op so idempotent cleanup
// paths do not error.
func (m *Manager) Transition(sessionID string, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.State == to {
		return nil
	}
	if !legalTransition(s.State, to) {
		return fmt.Errorf("illegal session transition %s -> %s", s.State, to)
	}
	s.State = to
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func legalTransition(from, to State) bool {
	switch to {
	case StateReady:
		return from == StateConnecting
	case StateActive:
		return from == StateReady
	case StateClosing:
		return from == StateConnecting || from == StateReady || from == StateActive
	case StateClosed:
		return from == StateClosing
	default:
		return false
	}
}

// Remove drops a closed session from the registry.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.State != StateClosed {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.State == StateClosing || s.State == StateClosed {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		s.State = StateClosing
		s.LastActivityAt = now
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
