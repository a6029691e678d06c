package jobs

import (
	"context"
	"log/slog"

	"github.com/defexai/defex-reviewer/internal/core"
	"github.com/defexai/defex-reviewer/internal/github"
	"github.com/defexai/defex-reviewer/internal/metrics"
)

// CommentStage posts a formatted review to its pull request.
type CommentStage struct {
	clients github.ClientFactory
	logger  *slog.Logger
}

// NewCommentStage creates a CommentStage.
func NewCommentStage(clients github.ClientFactory, logger *slog.Logger) *CommentStage {
	return &CommentStage{clients: clients, logger: logger}
}

// Name implements core.Stage.
func (s *CommentStage) Name() string { return "comment" }

// Handle implements core.Stage. The pull request is first checked for a
// comment carrying this task's marker so the review is not posted twice. A
// duplicate comment task can arrive as a first delivery when the review
// message was redelivered after it had already been published.
func (s *CommentStage) Handle(ctx context.Context, msg *core.Message) error {
	task, err := core.DecodeCommentTask(msg.Body)
	if err != nil {
		if task != nil {
			s.logger.Error("rejecting comment task", "task_id", task.TaskID, "repo", task.Repo, "pr", task.PRNumber, "error", err)
		}
		return err
	}
	logger := s.logger.With("task_id", task.TaskID, "repo", task.Repo, "pr", task.PRNumber)

	owner, repo, err := core.SplitRepo(task.Repo)
	if err != nil {
		return err
	}
	client := s.clients(ctx, task.GitHubToken)

	if task.TaskID != "" {
		posted, err := client.HasCommentContaining(ctx, owner, repo, task.PRNumber, core.ReviewMarker(task.TaskID))
		if err != nil {
			return err
		}
		if posted {
			metrics.CommentsPosted.WithLabelValues("duplicate").Inc()
			logger.Info("review comment already present, skipping")
			return nil
		}
	}

	if err := client.CreateComment(ctx, owner, repo, task.PRNumber, task.Body); err != nil {
		metrics.CommentsPosted.WithLabelValues("failed").Inc()
		return err
	}

	metrics.CommentsPosted.WithLabelValues("posted").Inc()
	logger.Info("review comment posted")
	return nil
}
