// Package profile stores what the companion has learned about each user
// and keeps those facts current from ongoing conversation.
package profile

import (
	"context"
	"strings"
	"time"
)

// Profile is the per-user identity record. Name, age and gender start
// empty and are filled in from conversation over time.
type Profile struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name,omitempty"`
	Age       int       `json:"age,omitempty"`
	Gender    string    `json:"gender,omitempty"`
	Language  string    `json:"language"`
	SkinID    int       `json:"skin_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsGuest reports whether onboarding is still incomplete.
func (p *Profile) IsGuest() bool {
	return strings.TrimSpace(p.Name) == "" || p.Age == 0
}

// Store persists user profiles. Get never fails on an unknown user; it
// returns a fresh guest profile instead.
type Store interface {
	Get(ctx context.Context, userID string) (*Profile, error)
	Save(ctx context.Context, p *Profile) error
	SetSkin(ctx context.Context, userID string, skinID int) error
	Close() error
}
