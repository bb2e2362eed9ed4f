package feedback

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is a PostgreSQL-backed feedback store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the feedback table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS feedback (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			title      TEXT NOT NULL,
			content    TEXT NOT NULL,
			rating     INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}

// Create validates and inserts feedback.
func (s *PgStore) Create(ctx context.Context, f *Feedback) (*Feedback, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	f.ID = uuid.Must(uuid.NewV7()).String()
	now := time.Now().Truncate(time.Microsecond)
	f.CreatedAt = now
	f.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO feedback (id, user_id, title, content, rating, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		f.ID, f.UserID, f.Title, f.Content, f.Rating, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create feedback: %w", err)
	}
	return f, nil
}

// List returns the most recent feedback first.
func (s *PgStore) List(ctx context.Context, limit int) ([]Feedback, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, title, content, rating, created_at, updated_at
		FROM feedback ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	out := []Feedback{}
	for rows.Next() {
		var f Feedback
		if err := rows.Scan(&f.ID, &f.UserID, &f.Title, &f.Content, &f.Rating, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
