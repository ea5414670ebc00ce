package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists profiles in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_profiles (
			user_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			age INTEGER NOT NULL DEFAULT 0,
			gender TEXT NOT NULL DEFAULT '',
			language TEXT NOT NULL DEFAULT 'ru',
			skin_id INTEGER NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*Profile, error) {
	p := &Profile{UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT name, age, gender, language, skin_id, updated_at
		 FROM user_profiles WHERE user_id=$1`,
		userID,
	).Scan(&p.Name, &p.Age, &p.Gender, &p.Language, &p.SkinID, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return guestProfile(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) Save(ctx context.Context, p *Profile) error {
	if strings.TrimSpace(p.Language) == "" {
		p.Language = "ru"
	}
	if p.SkinID == 0 {
		p.SkinID = 1
	}
	p.UpdatedAt = time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_profiles (user_id, name, age, gender, language, skin_id, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id) DO UPDATE SET
			name=EXCLUDED.name,
			age=EXCLUDED.age,
			gender=EXCLUDED.gender,
			language=EXCLUDED.language,
			skin_id=EXCLUDED.skin_id,
			updated_at=EXCLUDED.updated_at`,
		p.UserID, p.Name, p.Age, p.Gender, p.Language, p.SkinID, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetSkin(ctx context.Context, userID string, skinID int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_profiles (user_id, skin_id, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (user_id) DO UPDATE SET skin_id=EXCLUDED.skin_id, updated_at=now()`,
		userID, skinID,
	)
	if err != nil {
		return fmt.Errorf("set skin: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
