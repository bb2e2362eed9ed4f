package activity

import (
	"context"
	"time"
)

// Event types emitted by the pipeline.
const (
	ArtifactRequested = "artifact.requested"
	ArtifactCompleted = "artifact.completed"
	ArtifactFailed    = "artifact.failed"
	ArtifactSwept     = "artifact.swept"
	TasksInserted     = "tasks.inserted"
	ProjectCreated    = "project.created"
	ProjectDeleted    = "project.deleted"
)

// Event is one entry of the hash-chained, append-only activity log.
type Event struct {
	ID        string         `json:"id"`             // UUID v7 (time-ordered)
	Type      string         `json:"type"`           // e.g. "artifact.completed"
	Timestamp time.Time      `json:"timestamp"`      // time of append
	Actor     string         `json:"actor"`          // user id, or "pipeline" / "sweeper"
	ProjectID string         `json:"project_id"`     // project the event concerns
	Kind      string         `json:"kind,omitempty"` // artifact kind, when the event concerns one
	Content   map[string]any `json:"content"`        // event details
	Hash      string         `json:"hash"`           // SHA-256 of canonical form
	PrevHash  string         `json:"prev_hash"`      // hash chain link
}

// Entry is what a caller supplies to Append.
type Entry struct {
	Type      string
	Actor     string
	ProjectID string
	Kind      string
	Content   map[string]any
}

// Log is the contract for activity persistence.
type Log interface {
	Append(ctx context.Context, e Entry) (*Event, error)
	Recent(ctx context.Context, limit int) ([]Event, error)
	ByProject(ctx context.Context, projectID string, limit int) ([]Event, error)
	Since(ctx context.Context, afterID string, limit int) ([]Event, error)
	Count(ctx context.Context) (int, error)
	VerifyChain(ctx context.Context) error
	EnsureTable(ctx context.Context) error
}
