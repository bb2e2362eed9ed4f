package github

import (
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildScaffold(t *testing.T) {
	files := map[string]string{
		"README.md": "# Acme\n",
		"TASKS.md":  "- [ ] Cart API\n",
	}
	repo, hash, err := buildScaffold("main", files, Signature{Name: "TaskFlow", Email: "bot@taskflow.dev"})
	require.NoError(t, err)

	head, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	require.NoError(t, err)
	assert.Equal(t, hash, head.Hash())

	commit, err := repo.CommitObject(hash)
	require.NoError(t, err)
	assert.Equal(t, "Initial project scaffold", commit.Message)

	tree, err := commit.Tree()
	require.NoError(t, err)
	for name, want := range files {
		f, err := tree.File(name)
		require.NoError(t, err, name)
		got, err := f.Contents()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestBuildScaffoldRejectsEmpty(t *testing.T) {
	_, _, err := buildScaffold("main", nil, Signature{Name: "a", Email: "b"})
	assert.Error(t, err)

	_, _, err = buildScaffold("main", map[string]string{"a": "b"}, Signature{})
	assert.Error(t, err)
}
