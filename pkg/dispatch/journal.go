package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"taskflow/pkg/artifact"
)

// State is the lifecycle of a unit.
type State string

const (
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Entry is the journal record of one unit.
type Entry struct {
	ID        string        `json:"id"`
	ProjectID string        `json:"project_id"`
	Kind      artifact.Kind `json:"kind"`
	State     State         `json:"state"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

var ErrUnknownUnit = errors.New("unknown unit")

// Journal records units and their state changes.
type Journal interface {
	Add(ctx context.Context, e Entry) error
	SetState(ctx context.Context, id string, state State, reason string) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

const journalSchema = `
CREATE TABLE IF NOT EXISTS units (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	state      TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_units_created ON units(created_at DESC);
`

// SQLiteJournal keeps the journal in a local SQLite file so it survives
// restarts.
type SQLiteJournal struct {
	db *sql.DB
}

// OpenSQLiteJournal opens (or creates) the journal at path.
func OpenSQLiteJournal(path string) (*SQLiteJournal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

func (j *SQLiteJournal) Close() error { return j.db.Close() }

func (j *SQLiteJournal) Add(ctx context.Context, e Entry) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO units (id, project_id, kind, state, error, created_at, updated_at) VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.ProjectID, string(e.Kind), string(e.State), e.Error, e.CreatedAt.UnixMilli(), e.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert unit: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) SetState(ctx context.Context, id string, state State, reason string) error {
	res, err := j.db.ExecContext(ctx,
		`UPDATE units SET state = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(state), reason, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("update unit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update unit %s: %w", id, ErrUnknownUnit)
	}
	return nil
}

func (j *SQLiteJournal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, project_id, kind, state, error, created_at, updated_at
		 FROM units ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query units: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var kind, state string
		var created, updated int64
		if err := rows.Scan(&e.ID, &e.ProjectID, &kind, &state, &e.Error, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		e.Kind = artifact.Kind(kind)
		e.State = State(state)
		e.CreatedAt = time.UnixMilli(created)
		e.UpdatedAt = time.UnixMilli(updated)
		out = append(out, e)
	}
	return out, rows.Err()
}

// MemJournal keeps the most recent entries in memory.
type MemJournal struct {
	mu      sync.Mutex
	max     int
	entries []Entry
	index   map[string]int
}

// NewMemJournal creates a MemJournal holding at most max entries
// (default 500).
func NewMemJournal(max int) *MemJournal {
	if max <= 0 {
		max = 500
	}
	return &MemJournal{max: max, index: make(map[string]int)}
}

func (j *MemJournal) Close() error { return nil }

func (j *MemJournal) Add(_ context.Context, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	if len(j.entries) > j.max {
		j.entries = j.entries[len(j.entries)-j.max:]
	}
	j.reindex()
	return nil
}

func (j *MemJournal) reindex() {
	clear(j.index)
	for i, e := range j.entries {
		j.index[e.ID] = i
	}
}

func (j *MemJournal) SetState(_ context.Context, id string, state State, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	i, ok := j.index[id]
	if !ok {
		return fmt.Errorf("update unit %s: %w", id, ErrUnknownUnit)
	}
	j.entries[i].State = state
	j.entries[i].Error = reason
	j.entries[i].UpdatedAt = time.Now()
	return nil
}

func (j *MemJournal) Recent(_ context.Context, limit int) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if limit <= 0 || limit > len(j.entries) {
		limit = len(j.entries)
	}
	out := make([]Entry, 0, limit)
	for i := len(j.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, j.entries[i])
	}
	return out, nil
}
