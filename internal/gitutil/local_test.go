package gitutil

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commitFiles(t *testing.T, repo *git.Repository, dir string, files map[string]string, remove []string, msg string) string {
	t.Helper()
	wt, err := repo.Worktree()
	require.NoError(t, err)

	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
		_, err := wt.Add(name)
		require.NoError(t, err)
	}
	for _, name := range remove {
		_, err := wt.Remove(name)
		require.NoError(t, err)
	}

	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash.String()
}

func TestLocalDiff(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	base := commitFiles(t, repo, dir, map[string]string{
		"main.go":   "package main\n\nfunc main() {}\n",
		"legacy.go": "package main\n",
	}, nil, "initial")
	head := commitFiles(t, repo, dir, map[string]string{
		"main.go":  "package main\n\nfunc main() {\n\tprintln(\"hi\")\n}\n",
		"extra.go": "package main\n\nvar x = 1\n",
	}, []string{"legacy.go"}, "change")

	client := NewClient(slog.New(slog.DiscardHandler))

	text, changes, err := client.LocalDiff(dir, base, head)
	require.NoError(t, err)
	assert.Contains(t, text, "diff --git a/main.go b/main.go")
	assert.Contains(t, text, "+\tprintln(\"hi\")")
	assert.Equal(t, []string{"extra.go"}, changes.Added)
	assert.Equal(t, []string{"main.go"}, changes.Modified)
	assert.Equal(t, []string{"legacy.go"}, changes.Deleted)
	assert.Equal(t, 3, changes.Count())

	// Relative revisions resolve too.
	rel, _, err := client.LocalDiff(dir, "HEAD~1", "HEAD")
	require.NoError(t, err)
	assert.Equal(t, text, rel)

	_, _, err = client.LocalDiff(dir, "no-such-branch", head)
	assert.Error(t, err)

	_, _, err = client.LocalDiff(t.TempDir(), "a", "b")
	assert.Error(t, err)
}
