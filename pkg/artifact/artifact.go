package artifact

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind names one stage of the document pipeline.
type Kind string

const (
	KindBRD            Kind = "brd"
	KindPRD            Kind = "prd"
	KindTasks          Kind = "tasks"
	KindMarketResearch Kind = "market_research"
	KindGitHubSetup    Kind = "github_setup"
	KindMockup         Kind = "mockup"
)

// Kinds lists every artifact kind in pipeline order.
var Kinds = []Kind{KindBRD, KindPRD, KindTasks, KindMarketResearch, KindGitHubSetup, KindMockup}

// ParseKind validates a kind name coming from a URL or CLI argument.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown artifact kind %q", s)
}

// Status is the generation state of an artifact.
type Status string

const (
	NotStarted Status = "not_started"
	InProgress Status = "in_progress"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

// Artifact is the stored output of one pipeline stage for a project.
type Artifact struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Kind      Kind      `json:"kind"`
	Status    Status    `json:"status"`
	Content   string    `json:"content,omitempty"` // markdown, repository URL or preview URL; only set when completed
	Error     string    `json:"error,omitempty"`   // reason of the last failure
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrNotFound is returned by Get when no record exists for (project, kind).
var ErrNotFound = errors.New("artifact not found")

// ErrSuperseded is returned by a fenced write when the record has moved on
// to another attempt or already completed. The write is not applied.
var ErrSuperseded = errors.New("generation attempt superseded")

// StoreError wraps a failed read or write against the artifact store.
type StoreError struct {
	Op        string
	ProjectID string
	Kind      Kind
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("artifact store %s %s/%s: %v", e.Op, e.ProjectID, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Store is the contract for artifact persistence.
type Store interface {
	// Get returns the record for (project, kind) or ErrNotFound.
	Get(ctx context.Context, projectID string, kind Kind) (*Artifact, error)

	// Upsert writes status and content, creating the record if absent.
	// Content is cleared for any status other than Completed.
	Upsert(ctx context.Context, projectID string, kind Kind, status Status, content string) error

	// Claim atomically moves the record to InProgress if it is absent,
	// not started or failed. When the record is already in progress or
	// completed it returns the current record and claimed=false.
	Claim(ctx context.Context, projectID string, kind Kind) (a *Artifact, claimed bool, err error)

	// Complete stores content and marks the record Completed, provided it
	// is still on attempt and not completed. A result that arrives after a
	// sweep still lands unless a newer attempt was claimed. Otherwise it
	// returns ErrSuperseded.
	Complete(ctx context.Context, projectID string, kind Kind, attempt int, content string) error

	// Fail marks the record Failed with a reason, provided it is still in
	// progress on attempt. Otherwise it returns ErrSuperseded.
	Fail(ctx context.Context, projectID string, kind Kind, attempt int, reason string) error

	// ListByProject returns every record of a project.
	ListByProject(ctx context.Context, projectID string) ([]Artifact, error)

	// Stale returns in-progress records last touched before olderThan.
	Stale(ctx context.Context, olderThan time.Time, limit int) ([]Artifact, error)

	EnsureTable(ctx context.Context) error
}

// Reclaimable reports whether a request for this record should start a new
// generation rather than return the stored state.
func (a *Artifact) Reclaimable() bool {
	return a == nil || a.Status == NotStarted || a.Status == Failed
}
