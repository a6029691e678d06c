package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defexai/defex-reviewer/internal/core"
	"github.com/defexai/defex-reviewer/internal/retry"
)

type scriptedGenerator struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	prompts []string
}

func (g *scriptedGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := len(g.prompts)
	g.prompts = append(g.prompts, prompt)
	var err error
	if i < len(g.errs) {
		err = g.errs[i]
	}
	reply := ""
	if i < len(g.replies) {
		reply = g.replies[i]
	}
	return reply, err
}

func newTestService(t *testing.T, gen Generator, format string) *Service {
	t.Helper()
	pm, err := NewPromptManager()
	require.NoError(t, err)
	return NewService(gen, pm, Options{
		Provider:     "openai",
		OutputFormat: format,
		Policy:       retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}, slog.New(slog.DiscardHandler))
}

func TestPromptManager_RendersDiff(t *testing.T) {
	pm, err := NewPromptManager()
	require.NoError(t, err)

	for _, key := range []PromptKey{IssuesReviewPrompt, MarkdownReviewPrompt} {
		out, err := pm.Render(key, "openai", PromptData{Diff: "+added line"})
		require.NoError(t, err)
		assert.Contains(t, out, "+added line")
	}

	ollama, err := pm.Render(IssuesReviewPrompt, "ollama", PromptData{Diff: "d"})
	require.NoError(t, err)
	assert.Contains(t, ollama, "ONE JSON object")

	_, err = pm.Render("unknown", DefaultProvider, PromptData{})
	assert.Error(t, err)
}

func TestService_AnalyzeIssues(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{`{"issues":[{"type":"bug","description":"off by one"}]}`}}
	svc := newTestService(t, gen, "issues")

	res, err := svc.Analyze(context.Background(), "diff --git a/x b/x")
	require.NoError(t, err)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, "off by one", res.Issues[0].Description)
	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "diff --git a/x b/x")
}

func TestService_RetriesMalformedReply(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"I think it is fine", `{"issues":[]}`}}
	svc := newTestService(t, gen, "issues")

	res, err := svc.Analyze(context.Background(), "d")
	require.NoError(t, err)
	assert.True(t, res.Structured)
	assert.Empty(t, res.Issues)
	assert.Len(t, gen.prompts, 2)
}

func TestService_GivesUpAfterPolicy(t *testing.T) {
	boom := errors.New("service unavailable")
	gen := &scriptedGenerator{errs: []error{boom, boom, boom, nil}}
	svc := newTestService(t, gen, "issues")

	_, err := svc.Analyze(context.Background(), "d")
	require.Error(t, err)
	assert.Equal(t, "analysis", core.Kind(err))
	assert.False(t, core.IsPermanent(err))
	assert.Len(t, gen.prompts, 3)
}

func TestService_MalformedEveryTime(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"nope", "nope", "nope"}}
	svc := newTestService(t, gen, "issues")

	_, err := svc.Analyze(context.Background(), "d")
	var ae *core.AnalysisServiceError
	require.ErrorAs(t, err, &ae)
	assert.True(t, ae.Malformed)
}

func TestService_Markdown(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"## 🧾 Code Review Summary\nAll good."}}
	svc := newTestService(t, gen, "markdown")

	res, err := svc.Analyze(context.Background(), "d")
	require.NoError(t, err)
	assert.False(t, res.Structured)
	assert.Contains(t, res.Text, "All good.")
}

type blockingGenerator struct{}

func (blockingGenerator) Generate(ctx context.Context, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestService_CallTimeout(t *testing.T) {
	pm, err := NewPromptManager()
	require.NoError(t, err)
	svc := NewService(blockingGenerator{}, pm, Options{
		Provider:     "ollama",
		OutputFormat: "issues",
		CallTimeout:  10 * time.Millisecond,
		Policy:       retry.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond},
	}, slog.New(slog.DiscardHandler))

	start := time.Now()
	_, err = svc.Analyze(context.Background(), "d")
	require.Error(t, err)
	assert.Equal(t, "analysis", core.Kind(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestOpenAIGenerator(t *testing.T) {
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Expected path /chat/completions, got %s", r.URL.Path)
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1677652288,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "{\"issues\": []}"}}]
		}`)
	}))
	defer ts.Close()

	gen := NewOpenAIGenerator("test-key", ts.URL, "gpt-4o-mini", 0.4)
	reply, err := gen.Generate(context.Background(), "review this")
	require.NoError(t, err)
	assert.Equal(t, `{"issues": []}`, reply)
	assert.Equal(t, "gpt-4o-mini", gotBody["model"])
	assert.InDelta(t, 0.4, gotBody["temperature"], 0.0001)
}

func TestOpenAIGenerator_ErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	}))
	defer ts.Close()

	gen := NewOpenAIGenerator("test-key", ts.URL, "gpt-4o-mini", 0.4)
	_, err := gen.Generate(context.Background(), "p")

	var ae *core.AnalysisServiceError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusTooManyRequests, ae.StatusCode)
	assert.True(t, strings.Contains(err.Error(), "429") || strings.Contains(err.Error(), "slow down"))
}
