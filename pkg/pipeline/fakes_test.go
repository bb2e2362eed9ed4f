package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"taskflow/pkg/activity"
	"taskflow/pkg/artifact"
	"taskflow/pkg/dispatch"
	"taskflow/pkg/github"
	"taskflow/pkg/project"
	"taskflow/pkg/task"
	"taskflow/pkg/user"
)

// memArtifacts is an in-memory artifact.Store with the same claim
// semantics as the Postgres store.
type memArtifacts struct {
	mu           sync.Mutex
	rows         map[string]*artifact.Artifact
	completeErr  error
	failErr      error
	claimCalls   int
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{rows: make(map[string]*artifact.Artifact)}
}

func key(projectID string, kind artifact.Kind) string { return projectID + "/" + string(kind) }

func (m *memArtifacts) seed(projectID string, kind artifact.Kind, status artifact.Status, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.rows[key(projectID, kind)] = &artifact.Artifact{
		ID: key(projectID, kind), ProjectID: projectID, Kind: kind, Status: status, Content: content,
		CreatedAt: now, UpdatedAt: now,
	}
}

func (m *memArtifacts) Get(_ context.Context, projectID string, kind artifact.Kind) (*artifact.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[key(projectID, kind)]
	if !ok {
		return nil, artifact.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memArtifacts) Upsert(_ context.Context, projectID string, kind artifact.Kind, status artifact.Status, content string) error {
	if status != artifact.Completed {
		content = ""
	}
	m.seed(projectID, kind, status, content)
	return nil
}

func (m *memArtifacts) Claim(_ context.Context, projectID string, kind artifact.Kind) (*artifact.Artifact, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimCalls++
	a, ok := m.rows[key(projectID, kind)]
	if !ok {
		a = &artifact.Artifact{ID: key(projectID, kind), ProjectID: projectID, Kind: kind, CreatedAt: time.Now()}
		m.rows[key(projectID, kind)] = a
	} else if !a.Reclaimable() {
		cp := *a
		return &cp, false, nil
	}
	a.Status = artifact.InProgress
	a.Content, a.Error = "", ""
	a.Attempts++
	a.UpdatedAt = time.Now()
	cp := *a
	return &cp, true, nil
}

func (m *memArtifacts) Complete(_ context.Context, projectID string, kind artifact.Kind, attempt int, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeErr != nil {
		return &artifact.StoreError{Op: "complete", ProjectID: projectID, Kind: kind, Err: m.completeErr}
	}
	a, ok := m.rows[key(projectID, kind)]
	if !ok || a.Attempts != attempt || a.Status == artifact.Completed {
		return &artifact.StoreError{Op: "complete", ProjectID: projectID, Kind: kind, Err: artifact.ErrSuperseded}
	}
	a.Status, a.Content, a.Error = artifact.Completed, content, ""
	return nil
}

func (m *memArtifacts) Fail(_ context.Context, projectID string, kind artifact.Kind, attempt int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	a, ok := m.rows[key(projectID, kind)]
	if !ok || a.Attempts != attempt || a.Status != artifact.InProgress {
		return &artifact.StoreError{Op: "fail", ProjectID: projectID, Kind: kind, Err: artifact.ErrSuperseded}
	}
	a.Status, a.Content, a.Error = artifact.Failed, "", reason
	return nil
}

func (m *memArtifacts) ListByProject(_ context.Context, projectID string) ([]artifact.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []artifact.Artifact
	for _, a := range m.rows {
		if a.ProjectID == projectID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *memArtifacts) Stale(_ context.Context, olderThan time.Time, limit int) ([]artifact.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []artifact.Artifact
	for _, a := range m.rows {
		if a.Status == artifact.InProgress && a.UpdatedAt.Before(olderThan) && len(out) < limit {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *memArtifacts) EnsureTable(context.Context) error { return nil }

func (m *memArtifacts) status(projectID string, kind artifact.Kind) artifact.Status {
	a, err := m.Get(context.Background(), projectID, kind)
	if err != nil {
		return ""
	}
	return a.Status
}

// fakeProjects holds projects and their tasks-generation record.
type fakeProjects struct {
	mu       sync.Mutex
	projects map[string]*project.Project
	tasks    map[string]*artifact.Artifact
}

func newFakeProjects(ps ...project.Project) *fakeProjects {
	f := &fakeProjects{projects: make(map[string]*project.Project), tasks: make(map[string]*artifact.Artifact)}
	for i := range ps {
		p := ps[i]
		p.TasksGenerationStatus = artifact.NotStarted
		f.projects[p.ID] = &p
	}
	return f
}

func (f *fakeProjects) Get(_ context.Context, id string) (*project.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return nil, project.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeProjects) Update(_ context.Context, id string, updates map[string]any) (*project.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return nil, project.ErrNotFound
	}
	if v, ok := updates["github_url"].(string); ok {
		p.GitHubURL = v
	}
	cp := *p
	return &cp, nil
}

func (f *fakeProjects) record(projectID string) (*artifact.Artifact, error) {
	p, ok := f.projects[projectID]
	if !ok {
		return nil, project.ErrNotFound
	}
	a, ok := f.tasks[projectID]
	if !ok {
		a = &artifact.Artifact{ID: projectID, ProjectID: projectID, Kind: artifact.KindTasks, Status: artifact.NotStarted}
		f.tasks[projectID] = a
	}
	a.Status = p.TasksGenerationStatus
	return a, nil
}

func (f *fakeProjects) setStatus(projectID string, status artifact.Status, content string) {
	a, _ := f.record(projectID)
	f.projects[projectID].TasksGenerationStatus = status
	a.Status, a.Content = status, content
	a.UpdatedAt = time.Now()
}

func (f *fakeProjects) TasksArtifact(_ context.Context, projectID string) (*artifact.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, err := f.record(projectID)
	if err != nil {
		return nil, err
	}
	cp := *a
	return &cp, nil
}

func (f *fakeProjects) ClaimTasks(_ context.Context, projectID string) (*artifact.Artifact, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, err := f.record(projectID)
	if err != nil {
		return nil, false, err
	}
	if !a.Reclaimable() {
		cp := *a
		return &cp, false, nil
	}
	f.setStatus(projectID, artifact.InProgress, "")
	a.Attempts++
	cp := *a
	return &cp, true, nil
}

func (f *fakeProjects) SetTasksStatus(_ context.Context, projectID string, status artifact.Status, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.record(projectID); err != nil {
		return err
	}
	f.setStatus(projectID, status, content)
	return nil
}

func (f *fakeProjects) CompleteTasks(_ context.Context, projectID string, attempt int, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completeLocked(projectID, attempt, content)
}

// completeLocked is the fenced completion shared with fakeTasks.InsertBatch.
func (f *fakeProjects) completeLocked(projectID string, attempt int, content string) error {
	a, err := f.record(projectID)
	if err != nil {
		return err
	}
	if a.Attempts != attempt || a.Status == artifact.Completed {
		return artifact.ErrSuperseded
	}
	f.setStatus(projectID, artifact.Completed, content)
	return nil
}

func (f *fakeProjects) FailTasks(_ context.Context, projectID string, attempt int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, err := f.record(projectID)
	if err != nil {
		return err
	}
	if a.Attempts != attempt || a.Status != artifact.InProgress {
		return artifact.ErrSuperseded
	}
	f.setStatus(projectID, artifact.Failed, "")
	return nil
}

func (f *fakeProjects) StaleTasks(_ context.Context, olderThan time.Time, limit int) ([]artifact.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []artifact.Artifact
	for id := range f.projects {
		a, _ := f.record(id)
		if a.Status == artifact.InProgress && a.UpdatedAt.Before(olderThan) && len(out) < limit {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeProjects) tasksStatus(projectID string) artifact.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.projects[projectID].TasksGenerationStatus
}

// fakeTasks stores batches through task.Materialize and completes the
// project's generation under the same fence as the Postgres store.
type fakeTasks struct {
	mu        sync.Mutex
	projects  *fakeProjects
	rows      map[string][]task.Task
	insertErr error
}

func newFakeTasks(projects *fakeProjects) *fakeTasks {
	return &fakeTasks{projects: projects, rows: make(map[string][]task.Task)}
}

func (f *fakeTasks) InsertBatch(_ context.Context, projectID string, b task.Batch) ([]task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	tasks, err := task.Materialize(projectID, b.Drafts)
	if err != nil {
		return nil, err
	}
	f.projects.mu.Lock()
	defer f.projects.mu.Unlock()
	if err := f.projects.completeLocked(projectID, b.Attempt, b.Result); err != nil {
		return nil, fmt.Errorf("insert tasks for project %s: %w", projectID, err)
	}
	f.rows[projectID] = append(f.rows[projectID], tasks...)
	return tasks, nil
}

func (f *fakeTasks) List(_ context.Context, projectID string, _ task.Status) ([]task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]task.Task(nil), f.rows[projectID]...), nil
}

func (f *fakeTasks) count(projectID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows[projectID])
}

type fakeUsers map[string]*user.User

func (f fakeUsers) Get(_ context.Context, id string) (*user.User, error) {
	u, ok := f[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	return u, nil
}

// fakeGitHub grants the scopes listed for each token.
type fakeGitHub map[string][]string

func (f fakeGitHub) Validate(_ context.Context, token string, required []string) (*github.Identity, error) {
	scopes, ok := f[token]
	if !ok {
		return nil, github.ErrInvalidToken
	}
	id := &github.Identity{Login: "octo", Scopes: scopes}
	if missing := github.MissingScopes(scopes, required); len(missing) > 0 {
		return id, &github.ScopeError{Missing: missing}
	}
	return id, nil
}

// goSubmitter runs every unit on its own goroutine.
type goSubmitter struct {
	wg   sync.WaitGroup
	mu   sync.Mutex
	n    int
	errs []error
	full bool
}

func (s *goSubmitter) Submit(u dispatch.Unit) (string, error) {
	if s.full {
		return "", dispatch.ErrQueueFull
	}
	s.mu.Lock()
	s.n++
	id := fmt.Sprintf("job-%d", s.n)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := u.Run(context.Background()); err != nil {
			s.mu.Lock()
			s.errs = append(s.errs, err)
			s.mu.Unlock()
		}
	}()
	return id, nil
}

func (s *goSubmitter) wait() { s.wg.Wait() }

type recorder struct {
	mu     sync.Mutex
	events []activity.Entry
}

func (r *recorder) Record(_ context.Context, e activity.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

var errBoom = errors.New("boom")
