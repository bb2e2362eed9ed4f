package artifact

import (
	"context"
	"sort"
	"time"
)

// ProjectRecord tracks the tasks-generation status that lives on the
// project row rather than in the artifacts table. project.PgStore
// implements it.
type ProjectRecord interface {
	TasksArtifact(ctx context.Context, projectID string) (*Artifact, error)
	ClaimTasks(ctx context.Context, projectID string) (*Artifact, bool, error)
	SetTasksStatus(ctx context.Context, projectID string, status Status, content string) error
	CompleteTasks(ctx context.Context, projectID string, attempt int, content string) error
	FailTasks(ctx context.Context, projectID string, attempt int) error
	StaleTasks(ctx context.Context, olderThan time.Time, limit int) ([]Artifact, error)
}

// CompositeStore routes KindTasks to the project record and every other
// kind to the artifacts table, so callers see one uniform Store.
type CompositeStore struct {
	rows     Store
	projects ProjectRecord
}

// NewCompositeStore creates a CompositeStore.
func NewCompositeStore(rows Store, projects ProjectRecord) *CompositeStore {
	return &CompositeStore{rows: rows, projects: projects}
}

func (s *CompositeStore) Get(ctx context.Context, projectID string, kind Kind) (*Artifact, error) {
	if kind == KindTasks {
		return s.projects.TasksArtifact(ctx, projectID)
	}
	return s.rows.Get(ctx, projectID, kind)
}

func (s *CompositeStore) Upsert(ctx context.Context, projectID string, kind Kind, status Status, content string) error {
	if kind == KindTasks {
		if status != Completed {
			content = ""
		}
		return s.projects.SetTasksStatus(ctx, projectID, status, content)
	}
	return s.rows.Upsert(ctx, projectID, kind, status, content)
}

func (s *CompositeStore) Claim(ctx context.Context, projectID string, kind Kind) (*Artifact, bool, error) {
	if kind == KindTasks {
		return s.projects.ClaimTasks(ctx, projectID)
	}
	return s.rows.Claim(ctx, projectID, kind)
}

func (s *CompositeStore) Complete(ctx context.Context, projectID string, kind Kind, attempt int, content string) error {
	if kind == KindTasks {
		return s.projects.CompleteTasks(ctx, projectID, attempt, content)
	}
	return s.rows.Complete(ctx, projectID, kind, attempt, content)
}

// Fail records a failure. The project row has no error column, so the
// reason for the tasks kind is only logged by the caller.
func (s *CompositeStore) Fail(ctx context.Context, projectID string, kind Kind, attempt int, reason string) error {
	if kind == KindTasks {
		return s.projects.FailTasks(ctx, projectID, attempt)
	}
	return s.rows.Fail(ctx, projectID, kind, attempt, reason)
}

// ListByProject merges the table rows with the tasks record. The tasks
// record is omitted while it is still not_started.
func (s *CompositeStore) ListByProject(ctx context.Context, projectID string) ([]Artifact, error) {
	out, err := s.rows.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	t, err := s.projects.TasksArtifact(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if t.Status != NotStarted {
		out = append(out, *t)
	}
	sortByPipeline(out)
	return out, nil
}

func (s *CompositeStore) Stale(ctx context.Context, olderThan time.Time, limit int) ([]Artifact, error) {
	out, err := s.rows.Stale(ctx, olderThan, limit)
	if err != nil {
		return nil, err
	}
	tasks, err := s.projects.StaleTasks(ctx, olderThan, limit)
	if err != nil {
		return nil, err
	}
	out = append(out, tasks...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// EnsureTable only covers the artifacts table; the project store owns its own.
func (s *CompositeStore) EnsureTable(ctx context.Context) error {
	return s.rows.EnsureTable(ctx)
}

func sortByPipeline(as []Artifact) {
	rank := make(map[Kind]int, len(Kinds))
	for i, k := range Kinds {
		rank[k] = i
	}
	sort.SliceStable(as, func(i, j int) bool { return rank[as[i].Kind] < rank[as[j].Kind] })
}
