// Package pipeline drives artifact generation: the dependency gate, the
// idempotent claim, background dispatch and the write-back of results.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"taskflow/pkg/activity"
	"taskflow/pkg/artifact"
	"taskflow/pkg/dispatch"
	"taskflow/pkg/generator"
	"taskflow/pkg/github"
	"taskflow/pkg/project"
	"taskflow/pkg/task"
	"taskflow/pkg/user"
)

// Projects is the part of project.Store the controller uses.
type Projects interface {
	Get(ctx context.Context, id string) (*project.Project, error)
	Update(ctx context.Context, id string, updates map[string]any) (*project.Project, error)
}

// Tasks is the part of task.Store the controller uses.
type Tasks interface {
	InsertBatch(ctx context.Context, projectID string, b task.Batch) ([]task.Task, error)
	List(ctx context.Context, projectID string, status task.Status) ([]task.Task, error)
}

// Users resolves the stored GitHub token of an actor.
type Users interface {
	Get(ctx context.Context, id string) (*user.User, error)
}

// TokenValidator checks a GitHub token and its scopes. *github.Client
// implements it.
type TokenValidator interface {
	Validate(ctx context.Context, token string, required []string) (*github.Identity, error)
}

// Submitter schedules a background unit. *dispatch.Dispatcher implements it.
type Submitter interface {
	Submit(u dispatch.Unit) (string, error)
}

// Recorder receives pipeline activity. *activity.Bus implements it.
type Recorder interface {
	Record(ctx context.Context, e activity.Entry)
}

// Archiver copies a completed artifact elsewhere. *archive.S3Archiver
// implements it.
type Archiver interface {
	Archive(ctx context.Context, a artifact.Artifact) error
}

// Deps are the collaborators of a Controller. Events and Archive may be nil.
type Deps struct {
	Artifacts artifact.Store
	Projects  Projects
	Tasks     Tasks
	Users     Users
	GitHub    TokenValidator
	Registry  *generator.Registry
	Dispatch  Submitter
	Events    Recorder
	Archive   Archiver
}

// Config tunes the controller.
type Config struct {
	// Deadlines caps the run time of a background unit per kind. Kinds
	// without an entry rely on the generator's own timeouts.
	Deadlines map[artifact.Kind]time.Duration `yaml:"deadlines"`
}

// Request asks for one artifact of a project. Actor is the user id.
type Request struct {
	ProjectID string
	Kind      artifact.Kind
	Actor     string
}

// Outcome is returned to the caller right away. Content is only set for a
// completed artifact. JobID is set when a new unit was dispatched.
type Outcome struct {
	Status  artifact.Status `json:"status"`
	Content string          `json:"content,omitempty"`
	JobID   string          `json:"job_id,omitempty"`
}

// Controller owns the generation state machine.
type Controller struct {
	deps Deps
	cfg  Config
}

// failTimeout bounds the best-effort write of a failed status.
const failTimeout = 10 * time.Second

// New creates a Controller.
func New(deps Deps, cfg Config) *Controller {
	return &Controller{deps: deps, cfg: cfg}
}

// RequestGeneration returns the stored state of (project, kind) when it is
// in progress or completed. Otherwise it checks the dependency gate, claims
// the record and dispatches the generator in the background, returning
// in_progress without waiting for it.
func (c *Controller) RequestGeneration(ctx context.Context, req Request) (*Outcome, error) {
	gen, ok := c.deps.Registry.Get(req.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, req.Kind)
	}

	current, err := c.lookup(ctx, req.ProjectID, req.Kind)
	if err != nil {
		return nil, err
	}
	if !current.Reclaimable() {
		return &Outcome{Status: current.Status, Content: current.Content}, nil
	}

	prereqs, err := c.gate(ctx, req)
	if err != nil {
		return nil, err
	}
	in, err := c.gather(ctx, req, prereqs)
	if err != nil {
		return nil, err
	}

	claimed, ok, err := c.deps.Artifacts.Claim(ctx, req.ProjectID, req.Kind)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Another request won the race.
		return &Outcome{Status: claimed.Status, Content: claimed.Content}, nil
	}

	c.record(ctx, activity.Entry{
		Type:      activity.ArtifactRequested,
		Actor:     req.Actor,
		ProjectID: req.ProjectID,
		Kind:      string(req.Kind),
		Content:   map[string]any{"attempt": claimed.Attempts},
	})

	// Write-backs are fenced on this attempt so a unit that outlived a
	// sweep cannot overwrite a newer one.
	attempt := claimed.Attempts
	unit := dispatch.Unit{
		ProjectID: req.ProjectID,
		Kind:      req.Kind,
		Run: func(ctx context.Context) error {
			return c.execute(ctx, req, attempt, gen, in)
		},
		Drop: func(err error) {
			c.fail(context.Background(), req, attempt, "generation was not started: "+err.Error())
		},
	}
	jobID, err := c.deps.Dispatch.Submit(unit)
	if err != nil {
		c.fail(ctx, req, attempt, "could not schedule generation: "+err.Error())
		return nil, fmt.Errorf("dispatch %s: %w", req.Kind, err)
	}

	return &Outcome{Status: artifact.InProgress, JobID: jobID}, nil
}

// lookup returns the current record, or nil when there is none.
func (c *Controller) lookup(ctx context.Context, projectID string, kind artifact.Kind) (*artifact.Artifact, error) {
	a, err := c.deps.Artifacts.Get(ctx, projectID, kind)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, nil
	}
	return a, err
}

// gate returns the completed prerequisites of req.Kind, or a
// PreconditionError naming the ones that are not.
func (c *Controller) gate(ctx context.Context, req Request) (map[artifact.Kind]*artifact.Artifact, error) {
	done := make(map[artifact.Kind]*artifact.Artifact)
	var missing []artifact.Kind
	for _, k := range Prerequisites(req.Kind) {
		a, err := c.lookup(ctx, req.ProjectID, k)
		if err != nil {
			return nil, err
		}
		if a == nil || a.Status != artifact.Completed {
			missing = append(missing, k)
			continue
		}
		done[k] = a
	}
	if len(missing) > 0 {
		return nil, &PreconditionError{Kind: req.Kind, Missing: missing}
	}
	return done, nil
}

// gather builds the generator input. It runs before the claim so a failure
// here leaves the record untouched.
func (c *Controller) gather(ctx context.Context, req Request, prereqs map[artifact.Kind]*artifact.Artifact) (generator.Input, error) {
	p, err := c.deps.Projects.Get(ctx, req.ProjectID)
	if err != nil {
		return generator.Input{}, err
	}
	in := generator.Input{Project: *p}
	if a := prereqs[artifact.KindBRD]; a != nil {
		in.BRD = a.Content
	}
	if a := prereqs[artifact.KindPRD]; a != nil {
		in.PRD = a.Content
	}

	if req.Kind == artifact.KindGitHubSetup {
		token, err := c.authorize(ctx, req.Actor)
		if err != nil {
			return generator.Input{}, err
		}
		in.GitHubToken = token
		if in.Tasks, err = c.deps.Tasks.List(ctx, req.ProjectID, ""); err != nil {
			return generator.Input{}, err
		}
	}
	return in, nil
}

// authorize resolves the actor's stored GitHub token and checks its scopes.
func (c *Controller) authorize(ctx context.Context, actor string) (string, error) {
	u, err := c.deps.Users.Get(ctx, actor)
	if errors.Is(err, user.ErrNotFound) {
		return "", &AuthorizationError{Reason: "github token not found", Err: github.ErrNoToken}
	}
	if err != nil {
		return "", err
	}
	if u.GitHubToken == "" {
		return "", &AuthorizationError{Reason: "github token not found", Err: github.ErrNoToken}
	}

	_, err = c.deps.GitHub.Validate(ctx, u.GitHubToken, github.RequiredScopes)
	var scopeErr *github.ScopeError
	switch {
	case err == nil:
		return u.GitHubToken, nil
	case errors.As(err, &scopeErr):
		return "", &AuthorizationError{MissingScopes: scopeErr.Missing, Err: err}
	case errors.Is(err, github.ErrInvalidToken), errors.Is(err, github.ErrNoToken):
		return "", &AuthorizationError{Reason: err.Error(), Err: err}
	}
	return "", fmt.Errorf("validate github token: %w", err)
}

// execute is the background unit. Every path ends in a completed or failed
// write.
func (c *Controller) execute(ctx context.Context, req Request, attempt int, gen generator.Generator, in generator.Input) error {
	if d := c.cfg.Deadlines[req.Kind]; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	res := generate(ctx, gen, in)
	if !res.OK() {
		c.fail(ctx, req, attempt, res.Error)
		return &GenerationError{ProjectID: req.ProjectID, Kind: req.Kind, Reason: res.Error}
	}

	details := map[string]any{"length": len(res.Content)}
	if req.Kind == artifact.KindTasks {
		inserted, err := c.deps.Tasks.InsertBatch(ctx, req.ProjectID, task.Batch{Attempt: attempt, Result: res.Content, Drafts: res.Tasks})
		if errors.Is(err, artifact.ErrSuperseded) {
			c.superseded(req, attempt)
			return nil
		}
		if err != nil {
			c.fail(ctx, req, attempt, "insert tasks: "+err.Error())
			return &GenerationError{ProjectID: req.ProjectID, Kind: req.Kind, Reason: err.Error()}
		}
		details["tasks"] = len(inserted)
		c.record(ctx, activity.Entry{
			Type:      activity.TasksInserted,
			Actor:     "pipeline",
			ProjectID: req.ProjectID,
			Content:   map[string]any{"count": len(inserted)},
		})
	} else if err := c.deps.Artifacts.Complete(ctx, req.ProjectID, req.Kind, attempt, res.Content); err != nil {
		if errors.Is(err, artifact.ErrSuperseded) {
			c.superseded(req, attempt)
			return nil
		}
		// The content is lost. If the failed write below also fails the
		// record stays in_progress until the sweeper picks it up.
		log.Printf("pipeline: store result of %s for %s: %v", req.Kind, req.ProjectID, err)
		c.fail(ctx, req, attempt, "store result: "+err.Error())
		return err
	}

	c.archive(ctx, req)
	if req.Kind == artifact.KindGitHubSetup {
		if _, err := c.deps.Projects.Update(ctx, req.ProjectID, map[string]any{"github_url": res.Content}); err != nil {
			log.Printf("pipeline: set github_url of %s: %v", req.ProjectID, err)
		}
	}

	c.record(ctx, activity.Entry{
		Type:      activity.ArtifactCompleted,
		Actor:     "pipeline",
		ProjectID: req.ProjectID,
		Kind:      string(req.Kind),
		Content:   details,
	})
	log.Printf("pipeline: %s for %s completed", req.Kind, req.ProjectID)
	return nil
}

// generate calls the generator and turns a panic into a failed result.
func generate(ctx context.Context, gen generator.Generator, in generator.Input) (res generator.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = generator.Failure("generator panic: %v", r)
		}
	}()
	res = gen.Generate(ctx, in)
	if res.OK() && res.Content == "" {
		return generator.Failure("generator returned no content")
	}
	return res
}

// fail marks the record failed. It runs on a fresh deadline so an expired
// unit context still gets its write through.
func (c *Controller) fail(ctx context.Context, req Request, attempt int, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failTimeout)
	defer cancel()

	log.Printf("pipeline: %s for %s failed: %s", req.Kind, req.ProjectID, reason)
	if err := c.deps.Artifacts.Fail(ctx, req.ProjectID, req.Kind, attempt, reason); err != nil {
		if errors.Is(err, artifact.ErrSuperseded) {
			c.superseded(req, attempt)
			return
		}
		log.Printf("pipeline: mark %s for %s failed: %v (record left in_progress)", req.Kind, req.ProjectID, err)
	}
	c.record(ctx, activity.Entry{
		Type:      activity.ArtifactFailed,
		Actor:     "pipeline",
		ProjectID: req.ProjectID,
		Kind:      string(req.Kind),
		Content:   map[string]any{"error": reason},
	})
}

// superseded logs a write-back that was dropped because the record moved
// on to a newer attempt, completed, or was already failed by the sweeper.
func (c *Controller) superseded(req Request, attempt int) {
	log.Printf("pipeline: dropping result of %s for %s: attempt %d superseded", req.Kind, req.ProjectID, attempt)
}

// archive is best effort: the artifact is already completed.
func (c *Controller) archive(ctx context.Context, req Request) {
	if c.deps.Archive == nil {
		return
	}
	a, err := c.deps.Artifacts.Get(ctx, req.ProjectID, req.Kind)
	if err == nil {
		err = c.deps.Archive.Archive(ctx, *a)
	}
	if err != nil {
		log.Printf("pipeline: archive %s for %s: %v", req.Kind, req.ProjectID, err)
	}
}

func (c *Controller) record(ctx context.Context, e activity.Entry) {
	if c.deps.Events != nil {
		c.deps.Events.Record(ctx, e)
	}
}

// Status returns every artifact of a project in pipeline order. Kinds
// never requested are reported as not_started.
func (c *Controller) Status(ctx context.Context, projectID string) ([]artifact.Artifact, error) {
	stored, err := c.deps.Artifacts.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	byKind := make(map[artifact.Kind]artifact.Artifact, len(stored))
	for _, a := range stored {
		byKind[a.Kind] = a
	}
	out := make([]artifact.Artifact, 0, len(artifact.Kinds))
	for _, k := range artifact.Kinds {
		a, ok := byKind[k]
		if !ok {
			a = artifact.Artifact{ProjectID: projectID, Kind: k, Status: artifact.NotStarted}
		}
		out = append(out, a)
	}
	return out, nil
}
