package generator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"taskflow/pkg/github"
	"taskflow/pkg/task"
)

// RepoHost creates remote repositories. *github.Client implements it.
type RepoHost interface {
	Validate(ctx context.Context, token string, required []string) (*github.Identity, error)
	CreateRepository(ctx context.Context, token, name, description string, private bool) (*github.Repository, error)
	GetRepository(ctx context.Context, token, owner, name string) (*github.Repository, error)
}

// PushFunc pushes an initial commit. github.PushScaffold matches it.
type PushFunc func(ctx context.Context, remoteURL, branch, token string, files map[string]string, who github.Signature) (string, error)

// RepositorySetup creates a GitHub repository for the project and pushes a
// README written from the PRD plus a TASKS.md board. Content is the
// repository URL.
type RepositorySetup struct {
	host    RepoHost
	push    PushFunc
	readme  Model
	author  github.Signature
	private bool
}

// NewRepositorySetup creates the generator. readme may be nil, in which
// case the PRD itself becomes the README.
func NewRepositorySetup(host RepoHost, push PushFunc, readme Model, author github.Signature, private bool) *RepositorySetup {
	return &RepositorySetup{host: host, push: push, readme: readme, author: author, private: private}
}

func (g *RepositorySetup) Generate(ctx context.Context, in Input) Result {
	if in.GitHubToken == "" {
		return Failure("github_setup: github token is required")
	}
	if strings.TrimSpace(in.PRD) == "" {
		return Failure("github_setup: prd content is required")
	}

	readme := "# " + in.Project.Name + "\n\n" + in.PRD
	if g.readme != nil {
		out, err := g.readme.Complete(ctx,
			"Write a README.md in markdown for a new software repository. Include a one-paragraph "+
				"overview, key features, a proposed tech stack and a getting started section. "+
				"Base it on this Product Requirements Document:\n\n"+in.PRD)
		if err != nil {
			return Failure("github_setup: readme: %v", err)
		}
		if doc := cleanMarkdown(out); doc != "" {
			readme = doc
		}
	}

	repo, err := g.repository(ctx, in)
	if err != nil {
		return Failure("github_setup: %v", err)
	}

	files := map[string]string{
		"README.md": readme,
		"TASKS.md":  TasksMarkdown(in.Project.Name, in.Tasks),
	}
	if _, err := g.push(ctx, repo.CloneURL, repo.DefaultBranch, in.GitHubToken, files, g.author); err != nil {
		return Failure("github_setup: %v", err)
	}
	return Success(repo.HTMLURL)
}

// repository creates the project's repository. A 422 from GitHub means the
// name is taken, usually by an earlier attempt whose push failed, so the
// existing repository of the token's user is reused.
func (g *RepositorySetup) repository(ctx context.Context, in Input) (*github.Repository, error) {
	name := github.RepoName(in.Project.Name)
	repo, err := g.host.CreateRepository(ctx, in.GitHubToken, name, in.Project.Objective, g.private)
	var apiErr *github.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnprocessableEntity {
		return repo, err
	}

	id, verr := g.host.Validate(ctx, in.GitHubToken, nil)
	if verr != nil {
		return nil, fmt.Errorf("%w (resolving owner: %v)", err, verr)
	}
	existing, gerr := g.host.GetRepository(ctx, in.GitHubToken, id.Login, name)
	if gerr != nil {
		return nil, fmt.Errorf("%w (looking up existing: %v)", err, gerr)
	}
	log.Printf("generator: repository %s already exists, reusing it", existing.FullName)
	return existing, nil
}

// TasksMarkdown renders the task hierarchy as a nested checklist.
func TasksMarkdown(projectName string, tasks []task.Task) string {
	ids := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		ids[t.ID] = true
	}
	// Tasks whose parent is gone render at the top level.
	children := make(map[string][]task.Task)
	for _, t := range tasks {
		parent := t.ParentID
		if !ids[parent] || parent == t.ID {
			parent = ""
		}
		children[parent] = append(children[parent], t)
	}
	seen := make(map[string]bool, len(tasks))

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s tasks\n\n", projectName)
	var walk func(parent string, depth int)
	walk = func(parent string, depth int) {
		for _, t := range children[parent] {
			if seen[t.ID] {
				continue
			}
			seen[t.ID] = true
			box := " "
			if t.Status == task.StatusDone {
				box = "x"
			}
			fmt.Fprintf(&sb, "%s- [%s] **%s** %s", strings.Repeat("  ", depth), box, t.Type, t.Title)
			if t.StoryPoints > 0 && t.Type == task.TypeTask {
				fmt.Fprintf(&sb, " (%d pts)", t.StoryPoints)
			}
			sb.WriteString("\n")
			walk(t.ID, depth+1)
		}
	}
	walk("", 0)
	return sb.String()
}
