// Package credential selects the hosting-service token a task runs with.
package credential

import (
	"context"
	"strings"

	"github.com/defexai/defex-reviewer/internal/core"
)

// Source supplies the process-wide default token.
type Source interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a Source backed by a fixed token, typically GITHUB_BOT_TOKEN.
type StaticToken string

// Token returns the configured token.
func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// Resolve returns the task's explicit token if it has one and the default
// otherwise. Both are trimmed. The result is never empty: when neither is set
// a CredentialError is returned.
func Resolve(taskToken, defaultToken string) (string, error) {
	if t := strings.TrimSpace(taskToken); t != "" {
		return t, nil
	}
	if t := strings.TrimSpace(defaultToken); t != "" {
		return t, nil
	}
	return "", &core.CredentialError{Reason: "no github_token in task and no default credential configured"}
}

// Resolver applies Resolve against a default Source.
type Resolver struct {
	source Source
}

// NewResolver creates a Resolver. A nil source means there is no default credential.
func NewResolver(source Source) *Resolver {
	return &Resolver{source: source}
}

// Resolve returns the token for a task. The default source is only consulted
// when the task carries no token of its own.
func (r *Resolver) Resolve(ctx context.Context, taskToken string) (string, error) {
	if t := strings.TrimSpace(taskToken); t != "" {
		return t, nil
	}
	if r.source == nil {
		return Resolve("", "")
	}

	def, err := r.source.Token(ctx)
	if err != nil {
		// Minting can fail while GitHub is unavailable, so this stays retryable.
		return "", &core.HostingServiceError{Op: "default credential", Err: err}
	}
	return Resolve("", def)
}
