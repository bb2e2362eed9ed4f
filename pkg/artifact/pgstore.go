package artifact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const artifactColumns = `id, project_id, kind, status, content, error, attempts, created_at, updated_at`

// PgStore is a PostgreSQL-backed artifact store. The tasks kind is not kept
// here; see CompositeStore.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the artifacts table if it doesn't exist. It must run
// after the projects table exists.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS artifacts (
			id         TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			kind       TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'not_started',
			content    TEXT NOT NULL DEFAULT '',
			error      TEXT NOT NULL DEFAULT '',
			attempts   INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (project_id, kind),
			CHECK (status = 'completed' OR content = '')
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_artifacts_in_progress ON artifacts(updated_at) WHERE status = 'in_progress'`)
	return err
}

// Get retrieves the record for (project, kind).
func (s *PgStore) Get(ctx context.Context, projectID string, kind Kind) (*Artifact, error) {
	a, err := scanArtifact(s.pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE project_id = $1 AND kind = $2`, projectID, string(kind)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, &StoreError{Op: "get", ProjectID: projectID, Kind: kind, Err: err}
	}
	return a, nil
}

// Upsert writes status and content regardless of the current state.
func (s *PgStore) Upsert(ctx context.Context, projectID string, kind Kind, status Status, content string) error {
	if status != Completed {
		content = ""
	}
	now := time.Now().Truncate(time.Microsecond)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO artifacts (id, project_id, kind, status, content, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (project_id, kind) DO UPDATE
		SET status = EXCLUDED.status, content = EXCLUDED.content, updated_at = EXCLUDED.updated_at`,
		uuid.Must(uuid.NewV7()).String(), projectID, string(kind), string(status), content, now)
	if err != nil {
		return &StoreError{Op: "upsert", ProjectID: projectID, Kind: kind, Err: err}
	}
	return nil
}

// Claim inserts or flips the record to in_progress in a single statement.
func (s *PgStore) Claim(ctx context.Context, projectID string, kind Kind) (*Artifact, bool, error) {
	now := time.Now().Truncate(time.Microsecond)
	a, err := scanArtifact(s.pool.QueryRow(ctx, `
		INSERT INTO artifacts (id, project_id, kind, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, 'in_progress', 1, $4, $4)
		ON CONFLICT (project_id, kind) DO UPDATE
		SET status = 'in_progress', content = '', error = '',
		    attempts = artifacts.attempts + 1, updated_at = EXCLUDED.updated_at
		WHERE artifacts.status IN ('not_started', 'failed')
		RETURNING `+artifactColumns,
		uuid.Must(uuid.NewV7()).String(), projectID, string(kind), now))
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, &StoreError{Op: "claim", ProjectID: projectID, Kind: kind, Err: err}
	}
	// Lost the race: somebody else holds or finished it.
	cur, err := s.Get(ctx, projectID, kind)
	if err != nil {
		return nil, false, err
	}
	return cur, false, nil
}

// Complete stores the generated content of attempt.
func (s *PgStore) Complete(ctx context.Context, projectID string, kind Kind, attempt int, content string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE artifacts SET status = 'completed', content = $4, error = '', updated_at = $5
		WHERE project_id = $1 AND kind = $2 AND attempts = $3 AND status <> 'completed'`,
		projectID, string(kind), attempt, content, time.Now().Truncate(time.Microsecond))
	if err != nil {
		return &StoreError{Op: "complete", ProjectID: projectID, Kind: kind, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &StoreError{Op: "complete", ProjectID: projectID, Kind: kind, Err: ErrSuperseded}
	}
	return nil
}

// Fail records the failure of attempt while it is still in progress.
func (s *PgStore) Fail(ctx context.Context, projectID string, kind Kind, attempt int, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE artifacts SET status = 'failed', content = '', error = $4, updated_at = $5
		WHERE project_id = $1 AND kind = $2 AND attempts = $3 AND status = 'in_progress'`,
		projectID, string(kind), attempt, reason, time.Now().Truncate(time.Microsecond))
	if err != nil {
		return &StoreError{Op: "fail", ProjectID: projectID, Kind: kind, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &StoreError{Op: "fail", ProjectID: projectID, Kind: kind, Err: ErrSuperseded}
	}
	return nil
}

// ListByProject returns all records of a project in pipeline-creation order.
func (s *PgStore) ListByProject(ctx context.Context, projectID string) ([]Artifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE project_id = $1 ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()
	return scanArtifactRows(rows)
}

// Stale returns in-progress records older than the cutoff.
func (s *PgStore) Stale(ctx context.Context, olderThan time.Time, limit int) ([]Artifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+artifactColumns+` FROM artifacts
		 WHERE status = 'in_progress' AND updated_at < $1
		 ORDER BY updated_at ASC LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("stale artifacts: %w", err)
	}
	defer rows.Close()
	return scanArtifactRows(rows)
}

func scanArtifact(row pgx.Row) (*Artifact, error) {
	var a Artifact
	var kind, status string
	if err := row.Scan(&a.ID, &a.ProjectID, &kind, &status, &a.Content, &a.Error, &a.Attempts, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Kind = Kind(kind)
	a.Status = Status(status)
	return &a, nil
}

func scanArtifactRows(rows pgx.Rows) ([]Artifact, error) {
	var out []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return out, nil
}
