// Package github provides functionality for interacting with the GitHub API.
package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v73/github"
	"golang.org/x/oauth2"

	"github.com/defexai/defex-reviewer/internal/core"
)

const diffMediaType = "application/vnd.github.v3.diff"

// Client defines the GitHub operations the review pipeline needs: resolving
// pull request refs, streaming a compare diff and posting issue comments.
//
//go:generate mockgen -destination=../mocks/mock_github_client.go -package=mocks . Client
type Client interface {
	GetPullRequestRefs(ctx context.Context, owner, repo string, number int) (base, head string, err error)
	CompareDiff(ctx context.Context, owner, repo, base, head string) (io.ReadCloser, error)
	CreateComment(ctx context.Context, owner, repo string, number int, body string) error
	HasCommentContaining(ctx context.Context, owner, repo string, number int, needle string) (bool, error)
}

// ClientFactory builds a Client authenticated with the given token.
type ClientFactory func(ctx context.Context, token string) Client

type gitHubClient struct {
	client *github.Client
	logger *slog.Logger
}

// NewGitHubClient wraps the official go-github client to provide a focused,
// testable interface for application-specific GitHub operations.
func NewGitHubClient(client *github.Client, logger *slog.Logger) Client {
	return &gitHubClient{client: client, logger: logger}
}

// NewTokenClient creates a client that authenticates every request with token.
// apiURL overrides the public API endpoint, for GitHub Enterprise or tests.
func NewTokenClient(ctx context.Context, token, apiURL string, logger *slog.Logger) (Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "token"})
	client := github.NewClient(oauth2.NewClient(ctx, ts))

	if apiURL != "" {
		base, err := url.Parse(strings.TrimSuffix(apiURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL %q: %w", apiURL, err)
		}
		client.BaseURL = base
	}
	return NewGitHubClient(client, logger), nil
}

// NewClientFactory returns a ClientFactory bound to apiURL. The URL is
// validated once here so the factory itself cannot fail.
func NewClientFactory(apiURL string, logger *slog.Logger) (ClientFactory, error) {
	if _, err := NewTokenClient(context.Background(), "probe", apiURL, logger); err != nil {
		return nil, err
	}
	return func(ctx context.Context, token string) Client {
		c, _ := NewTokenClient(ctx, token, apiURL, logger)
		return c
	}, nil
}

// GetPullRequestRefs returns the base and head branch names of a pull request.
func (g *gitHubClient) GetPullRequestRefs(ctx context.Context, owner, repo string, number int) (string, string, error) {
	pr, resp, err := g.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		g.logger.Error("failed to get pull request", "owner", owner, "repo", repo, "pr", number, "error", err)
		return "", "", hostingError("get pull request", resp, err)
	}

	base, head := pr.GetBase().GetRef(), pr.GetHead().GetRef()
	if base == "" || head == "" {
		return "", "", &core.HostingServiceError{
			Op:         "get pull request",
			StatusCode: http.StatusUnprocessableEntity,
			Body:       fmt.Sprintf("pull request %d has no base or head ref", number),
		}
	}
	return base, head, nil
}

// CompareDiff opens the unified diff between base and head as a stream.
// The caller must close the returned reader.
func (g *gitHubClient) CompareDiff(ctx context.Context, owner, repo, base, head string) (io.ReadCloser, error) {
	u := fmt.Sprintf("repos/%v/%v/compare/%v...%v",
		url.PathEscape(owner), url.PathEscape(repo), url.PathEscape(base), url.PathEscape(head))

	req, err := g.client.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, &core.HostingServiceError{Op: "compare", Err: err}
	}
	req.Header.Set("Accept", diffMediaType)

	resp, err := g.client.BareDo(ctx, req)
	if err != nil {
		g.logger.Error("failed to fetch compare diff", "owner", owner, "repo", repo, "base", base, "head", head, "error", err)
		return nil, hostingError("compare", resp, err)
	}
	return resp.Body, nil
}

// CreateComment creates a new comment on a pull request.
func (g *gitHubClient) CreateComment(ctx context.Context, owner, repo string, number int, body string) error {
	comment := &github.IssueComment{Body: &body}
	_, resp, err := g.client.Issues.CreateComment(ctx, owner, repo, number, comment)
	if err != nil {
		g.logger.Error("failed to create comment", "owner", owner, "repo", repo, "pr", number, "error", err)
		return hostingError("create comment", resp, err)
	}
	return nil
}

// HasCommentContaining reports whether any comment on the pull request contains needle.
// It pages through all comments, 100 at a time.
func (g *gitHubClient) HasCommentContaining(ctx context.Context, owner, repo string, number int, needle string) (bool, error) {
	opts := &github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}

	for {
		comments, resp, err := g.client.Issues.ListComments(ctx, owner, repo, number, opts)
		if err != nil {
			g.logger.Error("failed to list comments", "owner", owner, "repo", repo, "pr", number, "error", err)
			return false, hostingError("list comments", resp, err)
		}

		for _, c := range comments {
			if strings.Contains(c.GetBody(), needle) {
				return true, nil
			}
		}

		if resp.NextPage == 0 {
			return false, nil
		}
		opts.Page = resp.NextPage
	}
}

// hostingError converts a go-github error into a HostingServiceError carrying
// the HTTP status and response body. Rate limit rejections are reported as 429
// regardless of the status GitHub used, so they stay retryable.
func hostingError(op string, resp *github.Response, err error) error {
	he := &core.HostingServiceError{Op: op, Err: err}

	var (
		rateErr  *github.RateLimitError
		abuseErr *github.AbuseRateLimitError
		respErr  *github.ErrorResponse
	)
	switch {
	case errors.As(err, &rateErr):
		he.StatusCode = http.StatusTooManyRequests
		he.Body = rateErr.Message
	case errors.As(err, &abuseErr):
		he.StatusCode = http.StatusTooManyRequests
		he.Body = abuseErr.Message
	case errors.As(err, &respErr):
		if respErr.Response != nil {
			he.StatusCode = respErr.Response.StatusCode
		}
		he.Body = errorBody(respErr)
	case resp != nil && resp.Response != nil:
		he.StatusCode = resp.StatusCode
	}
	return he
}

func errorBody(e *github.ErrorResponse) string {
	if e.Response != nil && e.Response.Body != nil {
		data, err := io.ReadAll(io.LimitReader(e.Response.Body, 4096))
		if err == nil && len(data) > 0 {
			return strings.TrimSpace(string(data))
		}
	}
	return e.Message
}
