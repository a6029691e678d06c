package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReviewTask_Validate(t *testing.T) {
	tests := []struct {
		name    string
		task    ReviewTask
		wantErr string
	}{
		{name: "inline diff", task: ReviewTask{Diff: "diff --git a b"}},
		{name: "inline diff with comment target", task: ReviewTask{Diff: "d", Repo: "o/r", PRNumber: 3}},
		{name: "pull request", task: ReviewTask{Repo: "o/r", PRNumber: 7}},
		{name: "base and head", task: ReviewTask{Repo: "o/r", Base: "main", Head: "feature"}},
		{name: "pr wins over base and head", task: ReviewTask{Repo: "o/r", PRNumber: 7, Base: "a", Head: "b"}},
		{name: "nothing", task: ReviewTask{}, wantErr: "either diff or repo"},
		{name: "repo only", task: ReviewTask{Repo: "o/r"}, wantErr: "base/head or pr_number"},
		{name: "base without head", task: ReviewTask{Repo: "o/r", Base: "main"}, wantErr: "together"},
		{name: "bad repo", task: ReviewTask{Repo: "noslash", PRNumber: 1}, wantErr: "owner/repo"},
		{name: "inline diff and base/head", task: ReviewTask{Diff: "d", Repo: "o/r", Base: "a", Head: "b"}, wantErr: "not both"},
		{name: "pr without repo", task: ReviewTask{Diff: "d", PRNumber: 2}, wantErr: "requires repo"},
		{name: "negative pr", task: ReviewTask{Repo: "o/r", PRNumber: -1}, wantErr: "positive"},
		{name: "negative cap", task: ReviewTask{Diff: "d", MaxBytes: -5}, wantErr: "max_bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			var ve *ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestReviewTask_EffectiveMaxBytes(t *testing.T) {
	assert.Equal(t, 42, (&ReviewTask{MaxBytes: 42}).EffectiveMaxBytes(1000))
	assert.Equal(t, 1000, (&ReviewTask{}).EffectiveMaxBytes(1000))
	assert.Equal(t, DefaultMaxBytes, (&ReviewTask{}).EffectiveMaxBytes(0))
}

func TestDecodeReviewTask(t *testing.T) {
	task, err := DecodeReviewTask([]byte(`{"repo":"acme/api","pr_number":12,"github_token":"tok"}`))
	require.NoError(t, err)
	assert.Equal(t, "acme/api", task.Repo)
	assert.Equal(t, 12, task.PRNumber)
	assert.True(t, task.HasDestination())
	assert.False(t, task.HasInlineDiff())

	_, err = DecodeReviewTask([]byte(`{not json`))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, "validation", Kind(err))
}

func TestDecodeCommentTask(t *testing.T) {
	_, err := DecodeCommentTask([]byte(`{"task_id":"1","repo":"o/r","pr_number":1,"body":"hi","github_token":"t"}`))
	require.NoError(t, err)

	task, err := DecodeCommentTask([]byte(`{"task_id":"1","repo":"o/r","pr_number":1,"body":"hi","github_token":"  "}`))
	require.Error(t, err)
	assert.Equal(t, "credential", Kind(err))
	assert.True(t, IsPermanent(err))
	assert.Equal(t, "1", task.TaskID)

	_, err = DecodeCommentTask([]byte(`{"repo":"o/r","pr_number":1,"body":"","github_token":"t"}`))
	assert.Equal(t, "validation", Kind(err))
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"validation", NewValidationError("x"), true},
		{"credential", &CredentialError{Reason: "none"}, true},
		{"hosting 404", &HostingServiceError{Op: "get", StatusCode: 404}, true},
		{"hosting 422", &HostingServiceError{Op: "post", StatusCode: 422}, true},
		{"hosting 429", &HostingServiceError{Op: "get", StatusCode: 429}, false},
		{"hosting 502", &HostingServiceError{Op: "get", StatusCode: 502}, false},
		{"hosting network", &HostingServiceError{Op: "get", Err: errors.New("reset")}, false},
		{"analysis", &AnalysisServiceError{Err: errors.New("boom")}, false},
		{"analysis malformed", &AnalysisServiceError{Err: errors.New("bad json"), Malformed: true}, false},
		{"broker", &BrokerError{Op: "publish", Err: errors.New("closed")}, false},
		{"wrapped validation", fmt.Errorf("review: %w", NewValidationError("x")), true},
		{"unclassified", errors.New("mystery"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.permanent, IsPermanent(tt.err))
		})
	}
}

func TestHostingServiceError_Message(t *testing.T) {
	err := &HostingServiceError{Op: "get pull request", StatusCode: 404, Body: `{"message":"Not Found"}`}
	assert.Equal(t, `get pull request: status 404: {"message":"Not Found"}`, err.Error())
}

func TestReviewMarker(t *testing.T) {
	body := WithReviewMarker("## Code Review Results", "4f1c-9a")
	assert.Contains(t, body, ReviewMarker("4f1c-9a"))
	assert.Equal(t, body, WithReviewMarker(body, "4f1c-9a"))
	assert.Equal(t, "plain", WithReviewMarker("plain", ""))

	id, ok := MarkerTaskID(body)
	require.True(t, ok)
	assert.Equal(t, "4f1c-9a", id)

	_, ok = MarkerTaskID("no marker here")
	assert.False(t, ok)
}
