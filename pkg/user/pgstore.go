package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const userColumns = `id, email, role, full_name, avatar_url, banned, github_token, created_at`

// PgStore is a PostgreSQL-backed user store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the users table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id           TEXT PRIMARY KEY,
			email        TEXT NOT NULL DEFAULT '',
			role         TEXT NOT NULL DEFAULT 'user',
			full_name    TEXT NOT NULL DEFAULT '',
			avatar_url   TEXT NOT NULL DEFAULT '',
			banned       BOOLEAN NOT NULL DEFAULT false,
			github_token TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS users_email_idx ON users(email) WHERE email <> ''`)
	return err
}

// Register creates or returns an existing user. Idempotent.
func (s *PgStore) Register(ctx context.Context, id, email, fullName, avatarURL string) (*User, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email, full_name, avatar_url, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING`,
		id, email, fullName, avatarURL, time.Now().Truncate(time.Microsecond))
	if err != nil {
		return nil, fmt.Errorf("register user %s: %w", id, err)
	}

	// Re-fetch to handle race conditions (ON CONFLICT DO NOTHING)
	u, err := s.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("register user %s: re-fetch failed: %w", id, err)
	}
	return u, nil
}

// Get returns a user by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get user %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

// List returns all users.
func (s *PgStore) List(ctx context.Context) ([]User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *PgStore) SetRole(ctx context.Context, id string, role Role) error {
	return s.set(ctx, id, "role", string(role))
}

func (s *PgStore) SetBanned(ctx context.Context, id string, banned bool) error {
	return s.set(ctx, id, "banned", banned)
}

func (s *PgStore) SetGitHubToken(ctx context.Context, id, token string) error {
	return s.set(ctx, id, "github_token", token)
}

func (s *PgStore) set(ctx context.Context, id, column string, value any) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`UPDATE users SET %s = $1 WHERE id = $2`, column), value, id)
	if err != nil {
		return fmt.Errorf("set %s for user %s: %w", column, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set %s for user %s: %w", column, id, ErrNotFound)
	}
	return nil
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var role string
	if err := row.Scan(&u.ID, &u.Email, &role, &u.FullName, &u.AvatarURL, &u.Banned, &u.GitHubToken, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Role = Role(role)
	u.HasGitHub = u.GitHubToken != ""
	return &u, nil
}
