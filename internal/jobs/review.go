package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/defexai/defex-reviewer/internal/core"
	"github.com/defexai/defex-reviewer/internal/credential"
	"github.com/defexai/defex-reviewer/internal/diff"
	"github.com/defexai/defex-reviewer/internal/github"
	"github.com/defexai/defex-reviewer/internal/llm"
	"github.com/defexai/defex-reviewer/internal/metrics"
	"github.com/defexai/defex-reviewer/internal/review"
)

// ReviewStage turns a ReviewTask into a CommentTask: resolve the diff, run
// the analysis, format the result and enqueue it for delivery.
type ReviewStage struct {
	credentials     *credential.Resolver
	clients         github.ClientFactory
	diffs           *diff.Resolver
	analyzer        llm.Analyzer
	publisher       core.Publisher
	commentQueue    string
	defaultMaxBytes int
	logger          *slog.Logger
}

// ReviewStageConfig holds the ReviewStage settings that are not collaborators.
type ReviewStageConfig struct {
	CommentQueue    string
	DefaultMaxBytes int
}

// NewReviewStage creates a ReviewStage.
func NewReviewStage(
	credentials *credential.Resolver,
	clients github.ClientFactory,
	diffs *diff.Resolver,
	analyzer llm.Analyzer,
	publisher core.Publisher,
	cfg ReviewStageConfig,
	logger *slog.Logger,
) *ReviewStage {
	if cfg.DefaultMaxBytes <= 0 {
		cfg.DefaultMaxBytes = core.DefaultMaxBytes
	}
	return &ReviewStage{
		credentials:     credentials,
		clients:         clients,
		diffs:           diffs,
		analyzer:        analyzer,
		publisher:       publisher,
		commentQueue:    cfg.CommentQueue,
		defaultMaxBytes: cfg.DefaultMaxBytes,
		logger:          logger,
	}
}

// Name implements core.Stage.
func (s *ReviewStage) Name() string { return "review" }

// Handle implements core.Stage. It returns nil only once the comment task is
// durably enqueued, or once a review without a destination has been logged.
func (s *ReviewStage) Handle(ctx context.Context, msg *core.Message) error {
	task, err := core.DecodeReviewTask(msg.Body)
	if err != nil {
		return err
	}
	if task.TaskID == "" {
		task.TaskID = msg.ID
	}
	logger := s.logger.With("task_id", task.TaskID, "repo", task.Repo, "pr", task.PRNumber)

	// A token is needed to fetch the diff or to deliver the comment.
	var token string
	if !task.HasInlineDiff() || task.HasDestination() {
		token, err = s.credentials.Resolve(ctx, task.GitHubToken)
		if err != nil {
			return err
		}
	}

	// The byte cap applies to fetched diffs; an inline diff is reviewed as submitted.
	maxBytes := task.EffectiveMaxBytes(s.defaultMaxBytes)
	var resolved *diff.Result
	if task.HasInlineDiff() {
		resolved = &diff.Result{Text: task.Diff}
	} else {
		resolved, err = s.diffs.Resolve(ctx, s.clients(ctx, token), task, maxBytes)
		if err != nil {
			return err
		}
	}

	if strings.TrimSpace(resolved.Text) == "" {
		return core.NewValidationError("diff is empty")
	}
	if resolved.Truncated {
		metrics.DiffsTruncated.Inc()
		logger.Info("diff truncated to byte cap", "max_bytes", maxBytes)
	}

	result, err := s.analyzer.Analyze(ctx, resolved.Text)
	if err != nil {
		return err
	}
	body := review.Format(result, resolved.Truncated)

	if !task.HasDestination() {
		logger.Info("review finished without a comment destination", "base", resolved.Base, "head", resolved.Head, "review", body)
		return nil
	}

	comment := core.CommentTask{
		TaskID:      task.TaskID,
		Repo:        task.Repo,
		PRNumber:    task.PRNumber,
		Body:        core.WithReviewMarker(body, task.TaskID),
		GitHubToken: token,
	}
	payload, err := json.Marshal(comment)
	if err != nil {
		return fmt.Errorf("failed to encode comment task: %w", err)
	}
	if err := s.publisher.Publish(ctx, s.commentQueue, payload); err != nil {
		return &core.BrokerError{Op: "enqueue comment task", Err: err}
	}

	logger.Info("comment task enqueued", "queue", s.commentQueue, "bytes", len(comment.Body))
	return nil
}
