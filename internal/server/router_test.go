package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defexai/defex-reviewer/internal/config"
	"github.com/defexai/defex-reviewer/internal/queue"
)

func TestRouter(t *testing.T) {
	broker := queue.NewMemoryBroker()
	defer broker.Close()

	cfg := &config.Config{
		Server: config.ServerConfig{MaxBodyBytes: 1 << 20},
		Broker: config.BrokerConfig{ReviewQueue: "code_review_queue"},
	}
	ts := httptest.NewServer(NewRouter(cfg, broker, slog.New(slog.DiscardHandler)))
	defer ts.Close()

	t.Run("health", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"status":"ok","message":"App is running healthy!"}`, string(body))
	})

	t.Run("review", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/code/review", "application/json", strings.NewReader(`{"diff":"+x"}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, 1, broker.Pending("code_review_queue"))
	})

	t.Run("review requires POST", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/code/review")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), "reviewer_review_requests_total")
	})
}
