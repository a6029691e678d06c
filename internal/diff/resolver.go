// Package diff resolves pull request refs and fetches size-capped diffs from
// the hosting service.
package diff

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/defexai/defex-reviewer/internal/core"
	"github.com/defexai/defex-reviewer/internal/github"
)

// Result is a fetched diff. Text never exceeds the requested byte cap.
type Result struct {
	Text      string
	Truncated bool
	Base      string
	Head      string
}

// Resolver turns a review task's diff source into diff text.
type Resolver struct {
	logger *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(logger *slog.Logger) *Resolver {
	return &Resolver{logger: logger}
}

// ResolveRefs returns the base and head refs of a pull request with a single API call.
func (r *Resolver) ResolveRefs(ctx context.Context, client github.Client, owner, repo string, pr int) (string, string, error) {
	base, head, err := client.GetPullRequestRefs(ctx, owner, repo, pr)
	if err != nil {
		return "", "", fmt.Errorf("resolve refs for %s/%s#%d: %w", owner, repo, pr, err)
	}
	r.logger.Debug("resolved pull request refs", "repo", owner+"/"+repo, "pr", pr, "base", base, "head", head)
	return base, head, nil
}

// FetchDiff streams the diff between base and head, stopping as soon as more
// than maxBytes bytes have been read. Truncated is true when the diff was larger
// than maxBytes.
func (r *Resolver) FetchDiff(ctx context.Context, client github.Client, owner, repo, base, head string, maxBytes int) (string, bool, error) {
	if maxBytes <= 0 {
		return "", false, core.NewValidationError("max_bytes must be positive, got %d", maxBytes)
	}

	body, err := client.CompareDiff(ctx, owner, repo, base, head)
	if err != nil {
		return "", false, fmt.Errorf("fetch diff %s...%s: %w", base, head, err)
	}
	defer body.Close()

	text, truncated, err := ReadCapped(body, maxBytes)
	if err != nil {
		return "", false, &core.HostingServiceError{Op: "read diff", Err: err}
	}

	r.logger.Debug("fetched diff", "repo", owner+"/"+repo, "base", base, "head", head, "bytes", len(text), "truncated", truncated)
	return text, truncated, nil
}

// Resolve produces the diff for task using client. It expects a validated task
// without an inline diff.
func (r *Resolver) Resolve(ctx context.Context, client github.Client, task *core.ReviewTask, maxBytes int) (*Result, error) {
	owner, repo, err := core.SplitRepo(task.Repo)
	if err != nil {
		return nil, err
	}

	base, head := task.Base, task.Head
	if task.PRNumber > 0 {
		base, head, err = r.ResolveRefs(ctx, client, owner, repo, task.PRNumber)
		if err != nil {
			return nil, err
		}
	}
	if base == "" || head == "" {
		return nil, core.NewValidationError("provide either diff or base/head or pr_number")
	}

	text, truncated, err := r.FetchDiff(ctx, client, owner, repo, base, head, maxBytes)
	if err != nil {
		return nil, err
	}
	return &Result{Text: text, Truncated: truncated, Base: base, Head: head}, nil
}

// ReadCapped reads at most maxBytes+1 bytes from src and returns the first
// maxBytes of them as text. Invalid UTF-8 is replaced with U+FFFD, after which
// the text is cut back to the last whole rune that fits in maxBytes.
func ReadCapped(src io.Reader, maxBytes int) (string, bool, error) {
	buf, err := io.ReadAll(io.LimitReader(src, int64(maxBytes)+1))
	if err != nil {
		return "", false, err
	}

	truncated := len(buf) > maxBytes
	if truncated {
		buf = buf[:maxBytes]
	}
	return clampUTF8(strings.ToValidUTF8(string(buf), "�"), maxBytes), truncated, nil
}

// clampUTF8 shortens s to at most n bytes without splitting a rune.
func clampUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size > 1 {
			break
		}
		s = s[:len(s)-size]
	}
	return s
}
