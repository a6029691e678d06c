package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultMaxBytes is the diff byte cap applied when a task does not set one.
const DefaultMaxBytes = 500

// ReviewTask is a request to review one diff. The diff either travels inline
// or is fetched from the hosting service using Repo together with PRNumber
// or Base and Head.
type ReviewTask struct {
	TaskID      string `json:"task_id,omitempty" yaml:"task_id,omitempty"`
	Diff        string `json:"diff,omitempty" yaml:"diff,omitempty"`
	Repo        string `json:"repo,omitempty" yaml:"repo,omitempty"`
	PRNumber    int    `json:"pr_number,omitempty" yaml:"pr_number,omitempty"`
	Base        string `json:"base,omitempty" yaml:"base,omitempty"`
	Head        string `json:"head,omitempty" yaml:"head,omitempty"`
	MaxBytes    int    `json:"max_bytes,omitempty" yaml:"max_bytes,omitempty"`
	GitHubToken string `json:"github_token,omitempty" yaml:"github_token,omitempty"`
}

// HasInlineDiff reports whether the task carries its own diff text.
func (t *ReviewTask) HasInlineDiff() bool {
	return t.Diff != ""
}

// HasDestination reports whether the review result can be posted back to a pull request.
func (t *ReviewTask) HasDestination() bool {
	return t.Repo != "" && t.PRNumber > 0
}

// Validate enforces the diff source rule: either an inline diff, or a
// repository with a pull request number or a base/head pair. A repository and
// pull request number may accompany an inline diff as the comment target.
func (t *ReviewTask) Validate() error {
	if t.PRNumber < 0 {
		return NewValidationError("pr_number must be positive, got %d", t.PRNumber)
	}
	if t.MaxBytes < 0 {
		return NewValidationError("max_bytes must not be negative, got %d", t.MaxBytes)
	}
	if (t.Base == "") != (t.Head == "") {
		return NewValidationError("base and head must be provided together")
	}
	if t.Repo != "" {
		if _, _, err := SplitRepo(t.Repo); err != nil {
			return err
		}
	}

	if t.HasInlineDiff() {
		if t.Base != "" {
			return NewValidationError("provide either diff or base/head, not both")
		}
		if t.PRNumber > 0 && t.Repo == "" {
			return NewValidationError("pr_number requires repo")
		}
		return nil
	}

	if t.Repo == "" {
		return NewValidationError("either diff or repo info must be provided")
	}
	if t.PRNumber == 0 && t.Base == "" {
		return NewValidationError("provide either diff or base/head or pr_number")
	}
	return nil
}

// EffectiveMaxBytes returns the task's byte cap, or fallback when unset.
func (t *ReviewTask) EffectiveMaxBytes(fallback int) int {
	if t.MaxBytes > 0 {
		return t.MaxBytes
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultMaxBytes
}

// CommentTask carries a formatted review to be posted on a pull request.
type CommentTask struct {
	TaskID      string `json:"task_id"`
	Repo        string `json:"repo"`
	PRNumber    int    `json:"pr_number"`
	Body        string `json:"body"`
	GitHubToken string `json:"github_token"`
}

// Validate checks the fields the comment stage needs. A missing token is a
// credential failure, not a validation failure.
func (c *CommentTask) Validate() error {
	if _, _, err := SplitRepo(c.Repo); err != nil {
		return err
	}
	if c.PRNumber <= 0 {
		return NewValidationError("pr_number must be positive, got %d", c.PRNumber)
	}
	if strings.TrimSpace(c.Body) == "" {
		return NewValidationError("comment body is empty")
	}
	if strings.TrimSpace(c.GitHubToken) == "" {
		return &CredentialError{Reason: "comment task carries no github_token"}
	}
	return nil
}

// SplitRepo splits "owner/name" into its parts.
func SplitRepo(repo string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return "", "", NewValidationError("repo must be 'owner/repo', got %q", repo)
	}
	return owner, name, nil
}

// DecodeReviewTask parses a queue payload into a validated ReviewTask.
func DecodeReviewTask(payload []byte) (*ReviewTask, error) {
	var task ReviewTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("malformed review task: %v", err)}
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	return &task, nil
}

// DecodeCommentTask parses a queue payload into a validated CommentTask.
func DecodeCommentTask(payload []byte) (*CommentTask, error) {
	var task CommentTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("malformed comment task: %v", err)}
	}
	if err := task.Validate(); err != nil {
		return &task, err
	}
	return &task, nil
}
