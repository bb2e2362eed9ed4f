package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Type is the level of a task in the epic → feature → task hierarchy.
type Type string

const (
	TypeEpic    Type = "epic"
	TypeFeature Type = "feature"
	TypeTask    Type = "task"
)

// Status is the board column of a task.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
)

// Statuses lists the board columns in display order.
var Statuses = []Status{StatusBacklog, StatusTodo, StatusInProgress, StatusDone}

// Task is a unit of project-scope work on the project board.
type Task struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Type        Type      `json:"type"`
	Status      Status    `json:"status"`
	Position    int       `json:"position"` // 1-based rank within (project, status)
	StoryPoints int       `json:"story_points"`
	ParentID    string    `json:"parent_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Draft is a task that has not been stored yet. Ref and ParentRef are
// caller-local identifiers used to wire up the hierarchy of a batch.
type Draft struct {
	Ref         string `json:"ref"`
	ParentRef   string `json:"parent_ref,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Type        Type   `json:"type"`
	StoryPoints int    `json:"story_points"`
}

const maxTitleLen = 200

var (
	ErrNotFound = errors.New("task not found")
	ErrInvalid  = errors.New("invalid task")
)

// ParseType validates a task type.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeEpic, TypeFeature, TypeTask:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown type %q", ErrInvalid, s)
}

// ParseStatus validates a task status.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalid, s)
}

// Validate checks the fields required on create.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if utf8.RuneCountInString(t.Title) > maxTitleLen {
		return fmt.Errorf("%w: title must be at most %d characters", ErrInvalid, maxTitleLen)
	}
	if _, err := ParseType(string(t.Type)); err != nil {
		return err
	}
	if _, err := ParseStatus(string(t.Status)); err != nil {
		return err
	}
	if t.StoryPoints <= 0 {
		return fmt.Errorf("%w: story_points must be positive", ErrInvalid)
	}
	return nil
}

// Store is the contract for task persistence. Every operation is scoped to
// a project.
type Store interface {
	// Create appends the task at the end of its status bucket.
	Create(ctx context.Context, t *Task) (*Task, error)
	// InsertBatch stores a generated hierarchy and marks the project's
	// task generation completed, in one transaction. Either every draft is
	// stored or none is. It returns artifact.ErrSuperseded, storing
	// nothing, when the generation has moved past b.Attempt or completed.
	InsertBatch(ctx context.Context, projectID string, b Batch) ([]Task, error)
	Get(ctx context.Context, projectID, id string) (*Task, error)
	// List returns tasks ordered by status then position. An empty status
	// lists every bucket.
	List(ctx context.Context, projectID string, status Status) ([]Task, error)
	// Update modifies task fields. Supported keys: title, description, type,
	// story_points, parent_id, status, position.
	Update(ctx context.Context, projectID, id string, updates map[string]any) (*Task, error)
	// Move places the task at position in the status bucket, renumbering
	// both the old and the new bucket.
	Move(ctx context.Context, projectID, id string, status Status, position int) (*Task, error)
	// Delete removes the task and closes the gap in its bucket.
	Delete(ctx context.Context, projectID, id string) error
	Count(ctx context.Context, projectID string) (int, error)
	EnsureTable(ctx context.Context) error
}
