// Package gitutil computes review diffs from local Git repositories and
// parses pull request URLs.
package gitutil

import (
	"fmt"
	"log/slog"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

// Changes lists the paths touched between two revisions.
type Changes struct {
	Added    []string
	Modified []string
	Deleted  []string
}

// Count returns the total number of changed paths.
func (c Changes) Count() int {
	return len(c.Added) + len(c.Modified) + len(c.Deleted)
}

// Client reads diffs from repositories on disk.
type Client struct {
	Logger *slog.Logger
}

// NewClient returns a new Client instance.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{Logger: logger}
}

// Open opens a Git repository at a given path.
func (c *Client) Open(path string) (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open repository at %s: %w", path, err)
	}
	return repo, nil
}

// LocalDiff returns the unified diff from base to head, where both are any
// revision Git understands (branch, tag, SHA, HEAD~1), plus the changed paths.
func (c *Client) LocalDiff(path, base, head string) (string, Changes, error) {
	repo, err := c.Open(path)
	if err != nil {
		return "", Changes{}, err
	}

	baseCommit, err := commitAt(repo, base)
	if err != nil {
		return "", Changes{}, err
	}
	headCommit, err := commitAt(repo, head)
	if err != nil {
		return "", Changes{}, err
	}

	patch, err := baseCommit.Patch(headCommit)
	if err != nil {
		return "", Changes{}, fmt.Errorf("failed to diff %s..%s: %w", base, head, err)
	}

	changes, err := c.changedPaths(baseCommit, headCommit)
	if err != nil {
		return "", Changes{}, err
	}

	c.Logger.Debug("computed local diff", "path", path, "base", base, "head", head, "files", changes.Count())
	return patch.String(), changes, nil
}

func commitAt(repo *git.Repository, rev string) (*object.Commit, error) {
	hash, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve revision %q: %w", rev, err)
	}
	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get commit object for %q: %w", rev, err)
	}
	return commit, nil
}

func (c *Client) changedPaths(from, to *object.Commit) (Changes, error) {
	fromTree, err := from.Tree()
	if err != nil {
		return Changes{}, fmt.Errorf("failed to get tree for commit %s: %w", from.Hash, err)
	}
	toTree, err := to.Tree()
	if err != nil {
		return Changes{}, fmt.Errorf("failed to get tree for commit %s: %w", to.Hash, err)
	}

	diff, err := object.DiffTree(fromTree, toTree)
	if err != nil {
		return Changes{}, fmt.Errorf("failed to diff trees between %s and %s: %w", from.Hash, to.Hash, err)
	}

	var out Changes
	for _, change := range diff {
		action, err := change.Action()
		if err != nil {
			c.Logger.Warn("failed to get action for change, skipping", "error", err)
			continue
		}
		switch action {
		case merkletrie.Insert:
			out.Added = append(out.Added, change.To.Name)
		case merkletrie.Modify:
			out.Modified = append(out.Modified, change.To.Name)
		case merkletrie.Delete:
			out.Deleted = append(out.Deleted, change.From.Name)
		}
	}
	return out, nil
}
