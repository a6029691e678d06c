package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/defexai/defex-reviewer/internal/core"
	"github.com/defexai/defex-reviewer/internal/credential"
	"github.com/defexai/defex-reviewer/internal/diff"
	"github.com/defexai/defex-reviewer/internal/github"
	"github.com/defexai/defex-reviewer/internal/mocks"
	"github.com/defexai/defex-reviewer/internal/queue"
	"github.com/defexai/defex-reviewer/internal/review"
)

const testCommentQueue = "github_comment_queue"

type fakeAnalyzer struct {
	mu     sync.Mutex
	diffs  []string
	result *core.AnalysisResult
	err    error
}

func (a *fakeAnalyzer) Analyze(_ context.Context, d string) (*core.AnalysisResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.diffs = append(a.diffs, d)
	if a.err != nil {
		return nil, a.err
	}
	if a.result != nil {
		return a.result, nil
	}
	return core.IssuesResult([]core.Issue{{Category: "bug", Description: "possible nil dereference", Severity: "high"}}), nil
}

func (a *fakeAnalyzer) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.diffs)
}

type failingSource struct{ t *testing.T }

func (s failingSource) Token(context.Context) (string, error) {
	s.t.Error("default credential must not be consulted")
	return "", errors.New("unexpected")
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, []byte) error {
	return errors.New("connection reset")
}

type reviewFixture struct {
	stage    *ReviewStage
	broker   *queue.MemoryBroker
	analyzer *fakeAnalyzer
	client   *mocks.MockClient
	tokens   []string
}

func newReviewFixture(t *testing.T, source credential.Source) *reviewFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &reviewFixture{
		broker:   queue.NewMemoryBroker(),
		analyzer: &fakeAnalyzer{},
		client:   mocks.NewMockClient(ctrl),
	}
	t.Cleanup(func() { _ = f.broker.Close() })

	logger := slog.New(slog.DiscardHandler)
	factory := func(_ context.Context, token string) github.Client {
		f.tokens = append(f.tokens, token)
		return f.client
	}
	f.stage = NewReviewStage(
		credential.NewResolver(source),
		factory,
		diff.NewResolver(logger),
		f.analyzer,
		f.broker,
		ReviewStageConfig{CommentQueue: testCommentQueue, DefaultMaxBytes: 500},
		logger,
	)
	return f
}

func reviewMessage(t *testing.T, task core.ReviewTask) *core.Message {
	t.Helper()
	body, err := json.Marshal(task)
	require.NoError(t, err)
	return &core.Message{ID: "msg-1", Queue: "code_review_queue", Body: body, Attempt: 1}
}

func (f *reviewFixture) commentTasks(t *testing.T) []core.CommentTask {
	t.Helper()
	var out []core.CommentTask
	for _, b := range f.broker.Bodies(testCommentQueue) {
		var ct core.CommentTask
		require.NoError(t, json.Unmarshal(b, &ct))
		out = append(out, ct)
	}
	return out
}

func (f *reviewFixture) expectPullRequestDiff(upstream string) {
	f.client.EXPECT().GetPullRequestRefs(gomock.Any(), "o", "r", 42).Return("main", "feature", nil)
	f.client.EXPECT().CompareDiff(gomock.Any(), "o", "r", "main", "feature").
		Return(io.NopCloser(strings.NewReader(upstream)), nil)
}

func TestReviewStage_SmallDiffEnqueuesComment(t *testing.T) {
	f := newReviewFixture(t, nil)
	f.expectPullRequestDiff("0123456789")

	msg := reviewMessage(t, core.ReviewTask{TaskID: "task-1", Repo: "o/r", PRNumber: 42, GitHubToken: "t"})
	require.NoError(t, f.stage.Handle(context.Background(), msg))

	require.Equal(t, 1, f.analyzer.calls())
	assert.Equal(t, "0123456789", f.analyzer.diffs[0])

	comments := f.commentTasks(t)
	require.Len(t, comments, 1)
	c := comments[0]
	assert.Equal(t, "task-1", c.TaskID)
	assert.Equal(t, "o/r", c.Repo)
	assert.Equal(t, 42, c.PRNumber)
	assert.Equal(t, "t", c.GitHubToken)
	assert.NotEmpty(t, c.Body)
	assert.NotContains(t, c.Body, review.TruncationNotice)
	assert.Contains(t, c.Body, core.ReviewMarker("task-1"))
	assert.Equal(t, []string{"t"}, f.tokens)
}

func TestReviewStage_LargeDiffIsTruncated(t *testing.T) {
	f := newReviewFixture(t, nil)
	f.expectPullRequestDiff(strings.Repeat("a", 10_000))

	msg := reviewMessage(t, core.ReviewTask{TaskID: "task-2", Repo: "o/r", PRNumber: 42, GitHubToken: "t", MaxBytes: 500})
	require.NoError(t, f.stage.Handle(context.Background(), msg))

	require.Equal(t, 1, f.analyzer.calls())
	assert.Len(t, f.analyzer.diffs[0], 500)

	comments := f.commentTasks(t)
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0].Body, review.TruncationNotice)
}

func TestReviewStage_EmptyResolvedDiff(t *testing.T) {
	f := newReviewFixture(t, nil)
	f.expectPullRequestDiff("")

	msg := reviewMessage(t, core.ReviewTask{Repo: "o/r", PRNumber: 42, GitHubToken: "t"})
	err := f.stage.Handle(context.Background(), msg)

	var ve *core.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.True(t, core.IsPermanent(err))
	assert.Zero(t, f.analyzer.calls())
	assert.Empty(t, f.commentTasks(t))
}

func TestReviewStage_BlankInlineDiff(t *testing.T) {
	f := newReviewFixture(t, nil)

	msg := reviewMessage(t, core.ReviewTask{Diff: " \n\t", Repo: "o/r"})
	err := f.stage.Handle(context.Background(), msg)

	assert.Equal(t, "validation", core.Kind(err))
	assert.Zero(t, f.analyzer.calls())
	assert.Empty(t, f.commentTasks(t))
}

func TestReviewStage_InlineDiffWithoutDestination(t *testing.T) {
	// No EXPECT calls: any hosting call fails the test.
	f := newReviewFixture(t, failingSource{t})

	msg := reviewMessage(t, core.ReviewTask{Diff: "+fmt.Println(x)\n"})
	require.NoError(t, f.stage.Handle(context.Background(), msg))

	assert.Equal(t, 1, f.analyzer.calls())
	assert.Empty(t, f.tokens)
	assert.Empty(t, f.commentTasks(t))
}

func TestReviewStage_InlineDiffWithDestination(t *testing.T) {
	f := newReviewFixture(t, credential.StaticToken("default-token"))

	msg := reviewMessage(t, core.ReviewTask{TaskID: "task-3", Diff: "+x\n", Repo: "o/r", PRNumber: 7})
	require.NoError(t, f.stage.Handle(context.Background(), msg))

	comments := f.commentTasks(t)
	require.Len(t, comments, 1)
	assert.Equal(t, "default-token", comments[0].GitHubToken)
	assert.Equal(t, 7, comments[0].PRNumber)
	assert.Empty(t, f.tokens, "inline diff must not create a hosting client")
}

func TestReviewStage_ExplicitTokenWins(t *testing.T) {
	f := newReviewFixture(t, failingSource{t})
	f.expectPullRequestDiff("+line\n")

	msg := reviewMessage(t, core.ReviewTask{Repo: "o/r", PRNumber: 42, GitHubToken: "  explicit  "})
	require.NoError(t, f.stage.Handle(context.Background(), msg))

	assert.Equal(t, []string{"explicit"}, f.tokens)
	comments := f.commentTasks(t)
	require.Len(t, comments, 1)
	assert.Equal(t, "explicit", comments[0].GitHubToken)
}

func TestReviewStage_NoCredential(t *testing.T) {
	f := newReviewFixture(t, nil)

	msg := reviewMessage(t, core.ReviewTask{Repo: "o/r", PRNumber: 42})
	err := f.stage.Handle(context.Background(), msg)

	assert.Equal(t, "credential", core.Kind(err))
	assert.True(t, core.IsPermanent(err))
	assert.Zero(t, f.analyzer.calls())
}

func TestReviewStage_TaskIDFallsBackToMessageID(t *testing.T) {
	f := newReviewFixture(t, nil)
	f.expectPullRequestDiff("+line\n")

	msg := reviewMessage(t, core.ReviewTask{Repo: "o/r", PRNumber: 42, GitHubToken: "t"})
	require.NoError(t, f.stage.Handle(context.Background(), msg))

	comments := f.commentTasks(t)
	require.Len(t, comments, 1)
	assert.Equal(t, "msg-1", comments[0].TaskID)
	id, ok := core.MarkerTaskID(comments[0].Body)
	require.True(t, ok)
	assert.Equal(t, "msg-1", id)
}

func TestReviewStage_Failures(t *testing.T) {
	t.Run("malformed payload", func(t *testing.T) {
		f := newReviewFixture(t, nil)
		err := f.stage.Handle(context.Background(), &core.Message{ID: "m", Body: []byte("{not json")})
		assert.True(t, core.IsPermanent(err))
	})

	t.Run("pull request not found", func(t *testing.T) {
		f := newReviewFixture(t, nil)
		f.client.EXPECT().GetPullRequestRefs(gomock.Any(), "o", "r", 42).
			Return("", "", &core.HostingServiceError{Op: "get pull request", StatusCode: 404})

		err := f.stage.Handle(context.Background(), reviewMessage(t, core.ReviewTask{Repo: "o/r", PRNumber: 42, GitHubToken: "t"}))
		assert.Equal(t, "hosting", core.Kind(err))
		assert.True(t, core.IsPermanent(err))
		assert.Zero(t, f.analyzer.calls())
	})

	t.Run("analysis failure", func(t *testing.T) {
		f := newReviewFixture(t, nil)
		f.analyzer.err = &core.AnalysisServiceError{Err: errors.New("503")}

		err := f.stage.Handle(context.Background(), reviewMessage(t, core.ReviewTask{Diff: "+x", Repo: "o/r", PRNumber: 1, GitHubToken: "t"}))
		assert.Equal(t, "analysis", core.Kind(err))
		assert.False(t, core.IsPermanent(err))
		assert.Empty(t, f.commentTasks(t))
	})

	t.Run("enqueue failure", func(t *testing.T) {
		logger := slog.New(slog.DiscardHandler)
		stage := NewReviewStage(credential.NewResolver(nil), nil, diff.NewResolver(logger), &fakeAnalyzer{},
			failingPublisher{}, ReviewStageConfig{CommentQueue: testCommentQueue}, logger)

		err := stage.Handle(context.Background(), reviewMessage(t, core.ReviewTask{Diff: "+x", Repo: "o/r", PRNumber: 1, GitHubToken: "t"}))
		var be *core.BrokerError
		require.ErrorAs(t, err, &be)
		assert.False(t, core.IsPermanent(err))
	})
}
