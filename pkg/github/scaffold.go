package github

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
)

// Signature identifies the author of the scaffold commit.
type Signature struct {
	Name  string
	Email string
}

// PushScaffold builds a single commit holding files in memory and pushes
// it to branch on remoteURL. An empty token pushes without auth.
func PushScaffold(ctx context.Context, remoteURL, branch, token string, files map[string]string, who Signature) (string, error) {
	if branch == "" {
		branch = "main"
	}
	repo, hash, err := buildScaffold(branch, files, who)
	if err != nil {
		return "", err
	}

	if _, err := repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{remoteURL}}); err != nil {
		return "", fmt.Errorf("add remote: %w", err)
	}
	ref := plumbing.NewBranchReferenceName(branch)
	opts := &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{config.RefSpec(ref + ":" + ref)},
	}
	if token != "" {
		opts.Auth = &http.BasicAuth{Username: "x-access-token", Password: token}
	}
	if err := repo.PushContext(ctx, opts); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", fmt.Errorf("push scaffold: %w", err)
	}
	return hash.String(), nil
}

// buildScaffold creates an in-memory repository with one commit on branch.
func buildScaffold(branch string, files map[string]string, who Signature) (*git.Repository, plumbing.Hash, error) {
	if len(files) == 0 {
		return nil, plumbing.ZeroHash, errors.New("scaffold has no files")
	}
	if who.Name == "" || who.Email == "" {
		return nil, plumbing.ZeroHash, errors.New("scaffold author name and email are required")
	}

	fs := memfs.New()
	repo, err := git.InitWithOptions(memory.NewStorage(), fs, git.InitOptions{
		DefaultBranch: plumbing.NewBranchReferenceName(branch),
	})
	if err != nil {
		return nil, plumbing.ZeroHash, fmt.Errorf("init scaffold: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, plumbing.ZeroHash, fmt.Errorf("scaffold worktree: %w", err)
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := util.WriteFile(fs, p, []byte(files[p]), 0o644); err != nil {
			return nil, plumbing.ZeroHash, fmt.Errorf("write %s: %w", p, err)
		}
		if _, err := wt.Add(p); err != nil {
			return nil, plumbing.ZeroHash, fmt.Errorf("add %s: %w", p, err)
		}
	}

	sig := &object.Signature{Name: who.Name, Email: who.Email, When: time.Now()}
	hash, err := wt.Commit("Initial project scaffold", &git.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		return nil, plumbing.ZeroHash, fmt.Errorf("commit scaffold: %w", err)
	}
	return repo, hash, nil
}
