package task

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskflow/pkg/artifact"
)

const taskColumns = `id, project_id, title, description, type, status, position, story_points, parent_id, created_at, updated_at`

// PgStore is a PostgreSQL-backed task store. Position changes lock the
// owning project row so concurrent moves in one project serialize.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the tasks table if it doesn't exist. It must run
// after the projects table exists.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			project_id   TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			title        VARCHAR(200) NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			type         TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'backlog',
			position     INTEGER NOT NULL,
			story_points INTEGER NOT NULL DEFAULT 0 CHECK (story_points >= 0),
			parent_id    TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ DEFAULT NOW(),
			updated_at   TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT tasks_position_unique UNIQUE (project_id, status, position) DEFERRABLE INITIALLY DEFERRED
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id) WHERE parent_id != ''`)
	return err
}

// Create inserts a new task at the end of its bucket.
func (s *PgStore) Create(ctx context.Context, t *Task) (*Task, error) {
	if t.Status == "" {
		t.Status = StatusBacklog
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	t.ID = uuid.Must(uuid.NewV7()).String()
	now := time.Now().Truncate(time.Microsecond)
	t.CreatedAt = now
	t.UpdatedAt = now

	err := s.inProject(ctx, t.ProjectID, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(position), 0) + 1 FROM tasks WHERE project_id = $1 AND status = $2`,
			t.ProjectID, string(t.Status)).Scan(&t.Position); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO tasks (id, project_id, title, description, type, status, position, story_points, parent_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			t.ID, t.ProjectID, t.Title, t.Description, string(t.Type), string(t.Status), t.Position, t.StoryPoints, t.ParentID, t.CreatedAt, t.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

// InsertBatch stores drafts in the backlog, appended after existing
// backlog tasks, and completes the project's task generation in the same
// transaction.
func (s *PgStore) InsertBatch(ctx context.Context, projectID string, b Batch) ([]Task, error) {
	tasks, err := Materialize(projectID, b.Drafts)
	if err != nil {
		return nil, err
	}
	err = s.inProject(ctx, projectID, func(tx pgx.Tx) error {
		var status string
		var attempts int
		if err := tx.QueryRow(ctx, `
			SELECT tasks_generation_status, tasks_generation_attempts FROM projects WHERE id = $1`,
			projectID).Scan(&status, &attempts); err != nil {
			return err
		}
		if attempts != b.Attempt || status == string(artifact.Completed) {
			return fmt.Errorf("%w: attempt %d, project at %d (%s)", artifact.ErrSuperseded, b.Attempt, attempts, status)
		}

		var base int
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(position), 0) FROM tasks WHERE project_id = $1 AND status = 'backlog'`,
			projectID).Scan(&base); err != nil {
			return err
		}
		rows := make([][]any, 0, len(tasks))
		for i := range tasks {
			tasks[i].Position += base
			t := tasks[i]
			rows = append(rows, []any{t.ID, t.ProjectID, t.Title, t.Description, string(t.Type), string(t.Status),
				t.Position, t.StoryPoints, t.ParentID, t.CreatedAt, t.UpdatedAt})
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"tasks"},
			[]string{"id", "project_id", "title", "description", "type", "status", "position", "story_points", "parent_id", "created_at", "updated_at"},
			pgx.CopyFromRows(rows)); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, `
			UPDATE projects SET tasks_generation_status = 'completed', tasks_generated = $2, tasks_generation_updated_at = $3
			WHERE id = $1`, projectID, b.Result, time.Now().Truncate(time.Microsecond))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert tasks for project %s: %w", projectID, err)
	}
	return tasks, nil
}

// Get retrieves a task of a project.
func (s *PgStore) Get(ctx context.Context, projectID, id string) (*Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = $1 AND id = $2`, projectID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get task %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// List returns tasks filtered by status (empty = all), ordered by bucket then position.
func (s *PgStore) List(ctx context.Context, projectID string, status Status) ([]Task, error) {
	var rows pgx.Rows
	var err error
	if status != "" {
		rows, err = s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks
			WHERE project_id = $1 AND status = $2 ORDER BY position ASC`, projectID, string(status))
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks
			WHERE project_id = $1
			ORDER BY array_position(ARRAY['backlog','todo','in_progress','done'], status), position ASC`, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// Update modifies task fields. A status or position key is applied as a move.
func (s *PgStore) Update(ctx context.Context, projectID, id string, updates map[string]any) (*Task, error) {
	now := time.Now().Truncate(time.Microsecond)

	setClauses := "updated_at = $1"
	args := []any{now}
	argIdx := 2

	var move bool
	var newStatus Status
	newPosition := -1

	for k, v := range updates {
		var val any
		switch k {
		case "title":
			title, ok := v.(string)
			if !ok || title == "" || utf8.RuneCountInString(title) > maxTitleLen {
				return nil, fmt.Errorf("%w: title must be 1..%d characters", ErrInvalid, maxTitleLen)
			}
			val = title
		case "description", "parent_id":
			if v == nil {
				v = ""
			}
			str, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s must be a string", ErrInvalid, k)
			}
			val = str
		case "type":
			str, _ := v.(string)
			t, err := ParseType(str)
			if err != nil {
				return nil, err
			}
			val = string(t)
		case "story_points":
			n, ok := asInt(v)
			if !ok || n < 0 {
				return nil, fmt.Errorf("%w: story_points must be a non-negative integer", ErrInvalid)
			}
			val = n
		case "status":
			str, _ := v.(string)
			st, err := ParseStatus(str)
			if err != nil {
				return nil, err
			}
			newStatus = st
			move = true
			continue
		case "position":
			n, ok := asInt(v)
			if !ok {
				return nil, fmt.Errorf("%w: position must be an integer", ErrInvalid)
			}
			newPosition = n
			move = true
			continue
		default:
			continue
		}
		setClauses += fmt.Sprintf(", %s = $%d", k, argIdx)
		args = append(args, val)
		argIdx++
	}

	args = append(args, projectID, id)
	query := fmt.Sprintf("UPDATE tasks SET %s WHERE project_id = $%d AND id = $%d RETURNING %s",
		setClauses, argIdx, argIdx+1, taskColumns)
	t, err := scanTask(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("update task %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	if !move {
		return t, nil
	}
	if newStatus == "" {
		newStatus = t.Status
	}
	if newPosition < 0 {
		if newStatus == t.Status {
			newPosition = t.Position
		} else {
			newPosition = math.MaxInt // clamped to the end of the bucket
		}
	}
	return s.Move(ctx, projectID, id, newStatus, newPosition)
}

// Move relocates a task and renumbers the affected buckets in one transaction.
func (s *PgStore) Move(ctx context.Context, projectID, id string, status Status, position int) (*Task, error) {
	var moved *Task
	err := s.inProject(ctx, projectID, func(tx pgx.Tx) error {
		all, err := listTx(ctx, tx, projectID)
		if err != nil {
			return err
		}
		changes, err := Reposition(all, id, status, position)
		if err != nil {
			return err
		}
		if err := applyPositions(ctx, tx, changes); err != nil {
			return err
		}
		moved, err = scanTask(tx.QueryRow(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE project_id = $1 AND id = $2`, projectID, id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("move task %s: %w", id, err)
	}
	return moved, nil
}

// Delete removes a task and closes the gap it leaves.
func (s *PgStore) Delete(ctx context.Context, projectID, id string) error {
	err := s.inProject(ctx, projectID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM tasks WHERE project_id = $1 AND id = $2`, projectID, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		rest, err := listTx(ctx, tx, projectID)
		if err != nil {
			return err
		}
		return applyPositions(ctx, tx, Compact(rest))
	})
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// Count returns the number of tasks in a project.
func (s *PgStore) Count(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE project_id = $1`, projectID).Scan(&n)
	return n, err
}

// inProject runs fn in a transaction holding the project row lock.
func (s *PgStore) inProject(ctx context.Context, projectID string, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx, `SELECT id FROM projects WHERE id = $1 FOR UPDATE`, projectID).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fn(tx)
	})
}

func listTx(ctx context.Context, tx pgx.Tx, projectID string) ([]Task, error) {
	rows, err := tx.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE project_id = $1`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

func applyPositions(ctx context.Context, tx pgx.Tx, changes []Task) error {
	if len(changes) == 0 {
		return nil
	}
	now := time.Now().Truncate(time.Microsecond)
	batch := &pgx.Batch{}
	for _, t := range changes {
		batch.Queue(`UPDATE tasks SET status = $1, position = $2, updated_at = $3 WHERE id = $4`,
			string(t.Status), t.Position, now, t.ID)
	}
	return tx.SendBatch(ctx, batch).Close()
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var typ, status string
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &typ, &status,
		&t.Position, &t.StoryPoints, &t.ParentID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Type = Type(typ)
	t.Status = Status(status)
	return &t, nil
}

func scanTaskRows(rows pgx.Rows) ([]Task, error) {
	tasks := []Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return tasks, nil
}
