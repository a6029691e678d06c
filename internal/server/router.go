package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/defexai/defex-reviewer/internal/config"
	"github.com/defexai/defex-reviewer/internal/core"
	"github.com/defexai/defex-reviewer/internal/server/handler"
)

// NewRouter creates the producer API router.
func NewRouter(cfg *config.Config, publisher core.Publisher, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "message": "App is running healthy!"})
	})
	r.Handle("/metrics", promhttp.Handler())

	reviewHandler := handler.NewReviewHandler(publisher, cfg.Broker.ReviewQueue, cfg.Server.MaxBodyBytes, logger)
	r.Post("/code/review", reviewHandler.Handle)

	return r
}
