package project

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskflow/pkg/artifact"
)

const projectColumns = `id, owner_id, name, objective, estimated_income, estimated_outcome, start_date, end_date, github_url, tasks_generation_status, created_at, updated_at`

const tasksColumns = `id, tasks_generation_status, tasks_generated, tasks_generation_attempts, created_at, tasks_generation_updated_at`

// PgStore is a PostgreSQL-backed project store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the projects table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS projects (
			id                          TEXT PRIMARY KEY,
			owner_id                    TEXT NOT NULL,
			name                        VARCHAR(100) NOT NULL,
			objective                   TEXT NOT NULL,
			estimated_income            NUMERIC,
			estimated_outcome           NUMERIC,
			start_date                  DATE,
			end_date                    DATE,
			github_url                  VARCHAR(255) NOT NULL DEFAULT '',
			tasks_generation_status     TEXT NOT NULL DEFAULT 'not_started',
			tasks_generated             TEXT NOT NULL DEFAULT '',
			tasks_generation_attempts   INTEGER NOT NULL DEFAULT 0,
			tasks_generation_updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at                  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at                  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner_id, created_at)`)
	return err
}

// Create inserts a new project.
func (s *PgStore) Create(ctx context.Context, p *Project) (*Project, error) {
	p.ID = uuid.Must(uuid.NewV7()).String()
	now := time.Now().Truncate(time.Microsecond)
	p.CreatedAt = now
	p.UpdatedAt = now
	p.TasksGenerationStatus = artifact.NotStarted

	_, err := s.pool.Exec(ctx, `
		INSERT INTO projects (id, owner_id, name, objective, estimated_income, estimated_outcome, start_date, end_date, github_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.OwnerID, p.Name, p.Objective, p.EstimatedIncome, p.EstimatedOutcome, p.StartDate, p.EndDate, p.GitHubURL, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

// Get retrieves a project by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get project %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return p, nil
}

// GetOwned retrieves a project only if ownerID owns it.
func (s *PgStore) GetOwned(ctx context.Context, id, ownerID string) (*Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1 AND owner_id = $2`, id, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get project %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return p, nil
}

// List returns the owner's projects, newest first. An empty ownerID lists all.
func (s *PgStore) List(ctx context.Context, ownerID string) ([]Project, error) {
	var rows pgx.Rows
	var err error
	if ownerID != "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+projectColumns+` FROM projects WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := []Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return projects, nil
}

// Update modifies project fields.
func (s *PgStore) Update(ctx context.Context, id string, updates map[string]any) (*Project, error) {
	now := time.Now().Truncate(time.Microsecond)

	setClauses := "updated_at = $1"
	args := []any{now}
	argIdx := 2

	for k, v := range updates {
		var val any
		switch k {
		case "name":
			name, ok := v.(string)
			if !ok || name == "" || utf8.RuneCountInString(name) > maxNameLen {
				return nil, fmt.Errorf("update project %s: %w: invalid name", id, ErrInvalid)
			}
			val = name
		case "objective", "github_url":
			str, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("update project %s: %w: %s must be a string", id, ErrInvalid, k)
			}
			val = str
		case "estimated_income", "estimated_outcome":
			if v != nil {
				f, ok := v.(float64)
				if !ok {
					return nil, fmt.Errorf("update project %s: %w: %s must be a number", id, ErrInvalid, k)
				}
				val = f
			}
		case "start_date", "end_date":
			d, err := ParseDate(v)
			if err != nil {
				return nil, fmt.Errorf("update project %s: %w: %s: %v", id, ErrInvalid, k, err)
			}
			val = d
		default:
			continue
		}
		setClauses += fmt.Sprintf(", %s = $%d", k, argIdx)
		args = append(args, val)
		argIdx++
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE projects SET %s WHERE id = $%d RETURNING %s", setClauses, argIdx, projectColumns)
	p, err := scanProject(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("update project %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("update project %s: %w", id, err)
	}
	return p, nil
}

// Delete removes a project and, through ON DELETE CASCADE, its artifacts and tasks.
func (s *PgStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete project %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete project %s: %w", id, ErrNotFound)
	}
	return nil
}

// Count returns the total project count.
func (s *PgStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM projects`).Scan(&n)
	return n, err
}

// TasksArtifact presents the project's task-generation status as an artifact.
func (s *PgStore) TasksArtifact(ctx context.Context, projectID string) (*artifact.Artifact, error) {
	a, err := scanTasks(s.pool.QueryRow(ctx, `SELECT `+tasksColumns+` FROM projects WHERE id = $1`, projectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("tasks status %s: %w", projectID, ErrNotFound)
		}
		return nil, &artifact.StoreError{Op: "get", ProjectID: projectID, Kind: artifact.KindTasks, Err: err}
	}
	return a, nil
}

// ClaimTasks flips the project's task-generation status to in_progress if
// it is not started or failed.
func (s *PgStore) ClaimTasks(ctx context.Context, projectID string) (*artifact.Artifact, bool, error) {
	a, err := scanTasks(s.pool.QueryRow(ctx, `
		UPDATE projects
		SET tasks_generation_status = 'in_progress', tasks_generated = '',
		    tasks_generation_attempts = tasks_generation_attempts + 1,
		    tasks_generation_updated_at = $2
		WHERE id = $1 AND tasks_generation_status IN ('not_started', 'failed')
		RETURNING `+tasksColumns, projectID, time.Now().Truncate(time.Microsecond)))
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, &artifact.StoreError{Op: "claim", ProjectID: projectID, Kind: artifact.KindTasks, Err: err}
	}
	cur, err := s.TasksArtifact(ctx, projectID)
	if err != nil {
		return nil, false, err
	}
	return cur, false, nil
}

// SetTasksStatus writes the task-generation status unconditionally.
func (s *PgStore) SetTasksStatus(ctx context.Context, projectID string, status artifact.Status, content string) error {
	if status != artifact.Completed {
		content = ""
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE projects SET tasks_generation_status = $2, tasks_generated = $3, tasks_generation_updated_at = $4
		WHERE id = $1`, projectID, string(status), content, time.Now().Truncate(time.Microsecond))
	if err != nil {
		return &artifact.StoreError{Op: "set status", ProjectID: projectID, Kind: artifact.KindTasks, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &artifact.StoreError{Op: "set status", ProjectID: projectID, Kind: artifact.KindTasks, Err: ErrNotFound}
	}
	return nil
}

// CompleteTasks marks task generation completed if it is still on attempt.
// task.PgStore.InsertBatch normally does this in the batch transaction.
func (s *PgStore) CompleteTasks(ctx context.Context, projectID string, attempt int, content string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE projects SET tasks_generation_status = 'completed', tasks_generated = $3, tasks_generation_updated_at = $4
		WHERE id = $1 AND tasks_generation_attempts = $2 AND tasks_generation_status <> 'completed'`,
		projectID, attempt, content, time.Now().Truncate(time.Microsecond))
	if err != nil {
		return &artifact.StoreError{Op: "complete", ProjectID: projectID, Kind: artifact.KindTasks, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &artifact.StoreError{Op: "complete", ProjectID: projectID, Kind: artifact.KindTasks, Err: artifact.ErrSuperseded}
	}
	return nil
}

// FailTasks marks task generation failed while attempt is in progress.
func (s *PgStore) FailTasks(ctx context.Context, projectID string, attempt int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE projects SET tasks_generation_status = 'failed', tasks_generated = '', tasks_generation_updated_at = $3
		WHERE id = $1 AND tasks_generation_attempts = $2 AND tasks_generation_status = 'in_progress'`,
		projectID, attempt, time.Now().Truncate(time.Microsecond))
	if err != nil {
		return &artifact.StoreError{Op: "fail", ProjectID: projectID, Kind: artifact.KindTasks, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &artifact.StoreError{Op: "fail", ProjectID: projectID, Kind: artifact.KindTasks, Err: artifact.ErrSuperseded}
	}
	return nil
}

// StaleTasks returns projects whose task generation has been in progress
// since before olderThan.
func (s *PgStore) StaleTasks(ctx context.Context, olderThan time.Time, limit int) ([]artifact.Artifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tasksColumns+` FROM projects
		WHERE tasks_generation_status = 'in_progress' AND tasks_generation_updated_at < $1
		ORDER BY tasks_generation_updated_at ASC LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("stale task generations: %w", err)
	}
	defer rows.Close()

	var out []artifact.Artifact
	for rows.Next() {
		a, err := scanTasks(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanProject(row pgx.Row) (*Project, error) {
	var p Project
	var status string
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Objective, &p.EstimatedIncome, &p.EstimatedOutcome,
		&p.StartDate, &p.EndDate, &p.GitHubURL, &status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.TasksGenerationStatus = artifact.Status(status)
	return &p, nil
}

func scanTasks(row pgx.Row) (*artifact.Artifact, error) {
	var a artifact.Artifact
	var status string
	if err := row.Scan(&a.ProjectID, &status, &a.Content, &a.Attempts, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.ID = a.ProjectID
	a.Kind = artifact.KindTasks
	a.Status = artifact.Status(status)
	return &a, nil
}

// ParseDate reads an optional YYYY-MM-DD date. nil and "" mean no date.
func ParseDate(v any) (*time.Time, error) {
	if v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, errors.New("must be a YYYY-MM-DD string")
	}
	if s == "" {
		return nil, nil
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
