package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defexai/defex-reviewer/internal/core"
	"github.com/defexai/defex-reviewer/internal/gitutil"
	"github.com/defexai/defex-reviewer/internal/queue"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestBuildTask(t *testing.T) {
	dir := t.TempDir()
	yamlTask := writeFile(t, dir, "task.yaml", "repo: acme/api\npr_number: 7\nmax_bytes: 2048\n")
	jsonTask := writeFile(t, dir, "task.json", `{"repo":"acme/api","base":"main","head":"dev"}`)
	diffFile := writeFile(t, dir, "change.diff", "+added line\n")
	git := gitutil.NewClient(slog.New(slog.DiscardHandler))

	tests := []struct {
		name    string
		opts    submitOptions
		stdin   string
		want    core.ReviewTask
		wantErr bool
	}{
		{
			name: "pull request url",
			opts: submitOptions{PRURL: "https://github.com/acme/api/pull/42"},
			want: core.ReviewTask{Repo: "acme/api", PRNumber: 42},
		},
		{
			name: "repo with base and head",
			opts: submitOptions{Repo: "acme/api", Base: "main", Head: "feature"},
			want: core.ReviewTask{Repo: "acme/api", Base: "main", Head: "feature"},
		},
		{
			name: "yaml file",
			opts: submitOptions{File: yamlTask},
			want: core.ReviewTask{Repo: "acme/api", PRNumber: 7, MaxBytes: 2048},
		},
		{
			name: "json file with flag override",
			opts: submitOptions{File: jsonTask, Head: "release", Token: " ghp_x "},
			want: core.ReviewTask{Repo: "acme/api", Base: "main", Head: "release", GitHubToken: "ghp_x"},
		},
		{
			name: "inline diff file",
			opts: submitOptions{DiffFile: diffFile},
			want: core.ReviewTask{Diff: "+added line\n"},
		},
		{
			name:  "inline diff from stdin with destination",
			opts:  submitOptions{DiffFile: "-", Repo: "acme/api", PR: 3},
			stdin: "-removed\n",
			want:  core.ReviewTask{Diff: "-removed\n", Repo: "acme/api", PRNumber: 3},
		},
		{name: "nothing to review", opts: submitOptions{}, wantErr: true},
		{name: "bad url", opts: submitOptions{PRURL: "https://github.com/acme/api/issues/1"}, wantErr: true},
		{name: "diff with base", opts: submitOptions{DiffFile: diffFile, Base: "a", Head: "b"}, wantErr: true},
		{name: "local and diff file", opts: submitOptions{DiffFile: diffFile, Local: dir}, wantErr: true},
		{name: "missing file", opts: submitOptions{File: filepath.Join(dir, "nope.yaml")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := buildTask(tt.opts, strings.NewReader(tt.stdin), git)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			_, err = uuid.Parse(task.TaskID)
			assert.NoError(t, err, "task id should be a uuid")
			task.TaskID = ""
			assert.Equal(t, tt.want, *task)
		})
	}
}

func TestBuildTask_LocalDiff(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	sig := &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()}

	writeFile(t, dir, "a.txt", "one\n")
	_, err = wt.Add("a.txt")
	require.NoError(t, err)
	_, err = wt.Commit("first", &git.CommitOptions{Author: sig})
	require.NoError(t, err)

	writeFile(t, dir, "a.txt", "one\ntwo\n")
	_, err = wt.Add("a.txt")
	require.NoError(t, err)
	_, err = wt.Commit("second", &git.CommitOptions{Author: sig})
	require.NoError(t, err)

	task, err := buildTask(submitOptions{Local: dir, Repo: "acme/api", PR: 9}, strings.NewReader(""),
		gitutil.NewClient(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)

	assert.Contains(t, task.Diff, "+two")
	assert.Empty(t, task.Base)
	assert.Empty(t, task.Head)
	assert.True(t, task.HasDestination())
}

func TestWriteDeadLetterTable(t *testing.T) {
	letters := []queue.DeadLetter{
		{ID: "m-1", Queue: "code_review_queue", Attempts: 5, Reason: "attempts exhausted (5): analysis: timeout", FailedAt: time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)},
		{ID: "m-2", Queue: "code_review_queue", Attempts: 1, Reason: strings.Repeat("x", 200)},
	}

	var buf bytes.Buffer
	require.NoError(t, writeDeadLetterTable(&buf, letters))
	out := buf.String()

	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "m-1")
	assert.Contains(t, out, "attempts exhausted (5)")
	assert.Contains(t, out, strings.Repeat("x", 77)+"...")
	assert.NotContains(t, out, strings.Repeat("x", 78))
}

func TestWriteDeadLettersJSON(t *testing.T) {
	letters := []queue.DeadLetter{{ID: "m-1", Queue: "q", Attempts: 2, Reason: "bad", Body: []byte(`{"diff":"+x"}`)}}

	var buf bytes.Buffer
	require.NoError(t, writeDeadLettersJSON(&buf, letters))

	var got []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "m-1", got[0]["id"])
	assert.Equal(t, `{"diff":"+x"}`, got[0]["body"])
}

func TestShorten(t *testing.T) {
	assert.Equal(t, "abc", shorten("abc", 5))
	assert.Equal(t, "ab...", shorten("abcdefgh", 5))
	assert.Equal(t, "ab", shorten("abcdefgh", 2))
	assert.Equal(t, "äö...", shorten("äöüäöü", 5))
}
