package activity

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const eventColumns = `id, type, timestamp, actor, project_id, kind, content, hash, prev_hash`

// PgStore is a PostgreSQL-backed Log with hash-chained integrity.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the activity table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS activity (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			timestamp  TIMESTAMPTZ NOT NULL,
			actor      TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			kind       TEXT NOT NULL DEFAULT '',
			content    JSONB NOT NULL DEFAULT '{}',
			hash       TEXT NOT NULL,
			prev_hash  TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_activity_timestamp_id ON activity(timestamp, id)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_activity_project ON activity(project_id) WHERE project_id != ''`)
	return err
}

// Append creates and stores a new event, computing the hash chain.
func (s *PgStore) Append(ctx context.Context, entry Entry) (*Event, error) {
	content := entry.Content
	if content == nil {
		content = map[string]any{}
	}
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}

	e := &Event{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Type:      entry.Type,
		Timestamp: time.Now().Truncate(time.Microsecond),
		Actor:     entry.Actor,
		ProjectID: entry.ProjectID,
		Kind:      entry.Kind,
		Content:   content,
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `SELECT hash FROM activity ORDER BY timestamp DESC, id DESC LIMIT 1 FOR UPDATE`).Scan(&e.PrevHash)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		e.Hash = computeHash(e, contentJSON)
		_, err = tx.Exec(ctx, `
			INSERT INTO activity (`+eventColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)`,
			e.ID, e.Type, e.Timestamp, e.Actor, e.ProjectID, e.Kind, string(contentJSON), e.Hash, e.PrevHash)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("append activity: %w", err)
	}
	return e, nil
}

// Recent returns the most recent events in reverse chronological order.
func (s *PgStore) Recent(ctx context.Context, limit int) ([]Event, error) {
	return s.scanMany(ctx, `SELECT `+eventColumns+` FROM activity ORDER BY timestamp DESC, id DESC LIMIT $1`, limit)
}

// ByProject returns a project's events, newest first.
func (s *PgStore) ByProject(ctx context.Context, projectID string, limit int) ([]Event, error) {
	return s.scanMany(ctx, `SELECT `+eventColumns+` FROM activity
		WHERE project_id = $1 ORDER BY timestamp DESC, id DESC LIMIT $2`, projectID, limit)
}

// Since returns events created after the given ID, for polling/SSE.
func (s *PgStore) Since(ctx context.Context, afterID string, limit int) ([]Event, error) {
	return s.scanMany(ctx, `SELECT `+eventColumns+` FROM activity
		WHERE (timestamp, id) > (SELECT timestamp, id FROM activity WHERE id = $1)
		ORDER BY timestamp ASC, id ASC LIMIT $2`, afterID, limit)
}

// Count returns the total number of events.
func (s *PgStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM activity`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count activity: %w", err)
	}
	return n, nil
}

// VerifyChain walks the entire chain chronologically and verifies hash integrity.
func (s *PgStore) VerifyChain(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM activity ORDER BY timestamp ASC, id ASC`)
	if err != nil {
		return fmt.Errorf("verify chain query: %w", err)
	}
	defer rows.Close()

	events, err := scanRows(rows)
	if err != nil {
		return fmt.Errorf("verify chain: %w", err)
	}
	return verify(events)
}

// verify checks links and hashes of events in chronological order.
func verify(events []Event) error {
	prevHash := ""
	for i, e := range events {
		if e.PrevHash != prevHash {
			return fmt.Errorf("event %d (%s): prev_hash mismatch: got %s, want %s", i, e.ID, e.PrevHash, prevHash)
		}
		contentJSON, _ := json.Marshal(e.Content)
		if want := computeHash(&e, contentJSON); e.Hash != want {
			return fmt.Errorf("event %d (%s): hash mismatch: got %s, want %s", i, e.ID, e.Hash, want)
		}
		prevHash = e.Hash
	}
	return nil
}

func (s *PgStore) scanMany(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows pgx.Rows) ([]Event, error) {
	events := []Event{}
	for rows.Next() {
		var e Event
		var contentJSON []byte
		if err := rows.Scan(&e.ID, &e.Type, &e.Timestamp, &e.Actor, &e.ProjectID, &e.Kind, &contentJSON, &e.Hash, &e.PrevHash); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(contentJSON, &e.Content); err != nil {
			return nil, fmt.Errorf("unmarshal content: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return events, nil
}

// computeHash computes a SHA-256 hash for chain integrity.
func computeHash(e *Event, contentJSON []byte) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%d|%s",
		e.PrevHash, e.ID, e.Type, e.Actor, e.ProjectID, e.Kind, e.Timestamp.UnixNano(), string(contentJSON))
	h := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", h)
}
