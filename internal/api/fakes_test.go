package api

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskflow/internal/auth"
	"taskflow/pkg/activity"
	"taskflow/pkg/artifact"
	"taskflow/pkg/dispatch"
	"taskflow/pkg/feedback"
	"taskflow/pkg/github"
	"taskflow/pkg/pipeline"
	"taskflow/pkg/project"
	"taskflow/pkg/task"
	"taskflow/pkg/user"
)

// fakeAuth maps tokens to identities.
type fakeAuth map[string]*auth.Identity

func (f fakeAuth) Verify(_ context.Context, token string) (*auth.Identity, error) {
	id, ok := f[token]
	if !ok {
		return nil, auth.ErrInvalidToken
	}
	return id, nil
}

type memUsers struct {
	mu    sync.Mutex
	users map[string]*user.User
}

func newMemUsers(us ...user.User) *memUsers {
	m := &memUsers{users: make(map[string]*user.User)}
	for i := range us {
		u := us[i]
		m.users[u.ID] = &u
	}
	return m
}

func (m *memUsers) Register(_ context.Context, id, email, fullName, avatarURL string) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		u = &user.User{ID: id, Email: email, FullName: fullName, AvatarURL: avatarURL, Role: user.RoleUser, CreatedAt: time.Now()}
		m.users[id] = u
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) Get(_ context.Context, id string) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) List(context.Context) ([]user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []user.User{}
	for _, u := range m.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memUsers) update(id string, fn func(*user.User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return user.ErrNotFound
	}
	fn(u)
	return nil
}

func (m *memUsers) SetRole(_ context.Context, id string, role user.Role) error {
	return m.update(id, func(u *user.User) { u.Role = role })
}

func (m *memUsers) SetBanned(_ context.Context, id string, banned bool) error {
	return m.update(id, func(u *user.User) { u.Banned = banned })
}

func (m *memUsers) SetGitHubToken(_ context.Context, id, token string) error {
	return m.update(id, func(u *user.User) { u.GitHubToken, u.HasGitHub = token, token != "" })
}

func (m *memUsers) EnsureTable(context.Context) error { return nil }

// memProjects implements the project.Store methods the API calls.
type memProjects struct {
	project.Store
	mu       sync.Mutex
	n        int
	projects map[string]*project.Project
}

func newMemProjects() *memProjects {
	return &memProjects{projects: make(map[string]*project.Project)}
}

func (m *memProjects) Create(_ context.Context, p *project.Project) (*project.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n++
	p.ID = fmt.Sprintf("p%d", m.n)
	p.TasksGenerationStatus = artifact.NotStarted
	cp := *p
	m.projects[p.ID] = &cp
	return p, nil
}

func (m *memProjects) Get(_ context.Context, id string) (*project.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, project.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memProjects) GetOwned(ctx context.Context, id, ownerID string) (*project.Project, error) {
	p, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.OwnerID != ownerID {
		return nil, project.ErrNotFound
	}
	return p, nil
}

func (m *memProjects) List(_ context.Context, ownerID string) ([]project.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []project.Project{}
	for _, p := range m.projects {
		if p.OwnerID == ownerID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memProjects) Update(_ context.Context, id string, updates map[string]any) (*project.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, project.ErrNotFound
	}
	if v, ok := updates["name"]; ok {
		name, _ := v.(string)
		if name == "" {
			return nil, fmt.Errorf("update project %s: %w: invalid name", id, project.ErrInvalid)
		}
		p.Name = name
	}
	cp := *p
	return &cp, nil
}

func (m *memProjects) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[id]; !ok {
		return project.ErrNotFound
	}
	delete(m.projects, id)
	return nil
}

func (m *memProjects) Count(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.projects), nil
}

// memTasks implements the task.Store methods the API calls.
type memTasks struct {
	task.Store
	mu    sync.Mutex
	n     int
	tasks []task.Task
}

func (m *memTasks) Create(_ context.Context, t *task.Task) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n++
	t.ID = fmt.Sprintf("t%d", m.n)
	t.Position = task.NextPosition(m.inProject(t.ProjectID), t.Status)
	m.tasks = append(m.tasks, *t)
	return t, nil
}

func (m *memTasks) inProject(projectID string) []task.Task {
	var out []task.Task
	for _, t := range m.tasks {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	return out
}

func (m *memTasks) Get(_ context.Context, projectID, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.ProjectID == projectID && t.ID == id {
			return &t, nil
		}
	}
	return nil, task.ErrNotFound
}

func (m *memTasks) List(_ context.Context, projectID string, status task.Status) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []task.Task{}
	for _, t := range m.inProject(projectID) {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Status != out[j].Status {
			return out[i].Status < out[j].Status
		}
		return out[i].Position < out[j].Position
	})
	return out, nil
}

func (m *memTasks) Move(_ context.Context, projectID, id string, status task.Status, position int) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	changes, err := task.Reposition(m.inProject(projectID), id, status, position)
	if err != nil {
		return nil, err
	}
	for _, c := range changes {
		for i := range m.tasks {
			if m.tasks[i].ID == c.ID {
				m.tasks[i].Status, m.tasks[i].Position = c.Status, c.Position
			}
		}
	}
	for _, t := range m.tasks {
		if t.ID == id {
			return &t, nil
		}
	}
	return nil, task.ErrNotFound
}

type memFeedback struct {
	mu    sync.Mutex
	items []feedback.Feedback
}

func (m *memFeedback) Create(_ context.Context, f *feedback.Feedback) (*feedback.Feedback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.ID = fmt.Sprintf("f%d", len(m.items)+1)
	m.items = append(m.items, *f)
	return f, nil
}

func (m *memFeedback) List(context.Context, int) ([]feedback.Feedback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]feedback.Feedback{}, m.items...), nil
}

func (m *memFeedback) EnsureTable(context.Context) error { return nil }

// memArtifacts implements Get.
type memArtifacts struct {
	artifact.Store
	rows map[string]*artifact.Artifact
}

func (m *memArtifacts) Get(_ context.Context, projectID string, kind artifact.Kind) (*artifact.Artifact, error) {
	a, ok := m.rows[projectID+"/"+string(kind)]
	if !ok {
		return nil, artifact.ErrNotFound
	}
	return a, nil
}

// fakePipeline answers every request with out or err.
type fakePipeline struct {
	mu       sync.Mutex
	requests []pipeline.Request
	out      *pipeline.Outcome
	err      error
}

func (f *fakePipeline) RequestGeneration(_ context.Context, req pipeline.Request) (*pipeline.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func (f *fakePipeline) Status(_ context.Context, projectID string) ([]artifact.Artifact, error) {
	out := make([]artifact.Artifact, len(artifact.Kinds))
	for i, k := range artifact.Kinds {
		out[i] = artifact.Artifact{ProjectID: projectID, Kind: k, Status: artifact.NotStarted}
	}
	return out, nil
}

// memLog is an in-memory activity.Log.
type memLog struct {
	activity.Log
	mu     sync.Mutex
	events []activity.Event
}

func (m *memLog) Append(_ context.Context, e activity.Entry) (*activity.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := activity.Event{
		ID: fmt.Sprintf("e%d", len(m.events)+1), Type: e.Type, Actor: e.Actor,
		ProjectID: e.ProjectID, Kind: e.Kind, Content: e.Content, Timestamp: time.Now(),
	}
	m.events = append([]activity.Event{ev}, m.events...)
	return &ev, nil
}

func (m *memLog) Recent(context.Context, int) ([]activity.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]activity.Event{}, m.events...), nil
}

func (m *memLog) ByProject(_ context.Context, projectID string, _ int) ([]activity.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []activity.Event{}
	for _, e := range m.events {
		if e.ProjectID == projectID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memLog) Count(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events), nil
}

// fakeGitHub grants the scopes listed for each token.
type fakeGitHub map[string][]string

func (f fakeGitHub) Validate(_ context.Context, token string, required []string) (*github.Identity, error) {
	scopes, ok := f[token]
	if !ok {
		return nil, github.ErrInvalidToken
	}
	if missing := github.MissingScopes(scopes, required); len(missing) > 0 {
		return nil, &github.ScopeError{Missing: missing}
	}
	return &github.Identity{Login: "octo", Scopes: scopes}, nil
}

type fakeJobs []dispatch.Entry

func (f fakeJobs) Recent(context.Context, int) ([]dispatch.Entry, error) { return f, nil }
func (f fakeJobs) Stats() dispatch.Stats                                 { return dispatch.Stats{Workers: 4} }
