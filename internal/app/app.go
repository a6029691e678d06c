// Package app assembles the reviewer's long-running processes: the producer
// API and the review and comment stage workers.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/defexai/defex-reviewer/internal/config"
	"github.com/defexai/defex-reviewer/internal/core"
	"github.com/defexai/defex-reviewer/internal/jobs"
	"github.com/defexai/defex-reviewer/internal/queue"
	"github.com/defexai/defex-reviewer/internal/server"
)

// Workers are the two stage runners.
type Workers struct {
	Review  *jobs.Runner
	Comment *jobs.Runner
}

// App holds the main application components.
type App struct {
	cfg         *config.Config
	logger      *slog.Logger
	broker      queue.Broker
	deadLetters queue.DeadLetterStore
	server      *server.Server
	workers     *Workers
}

// NewApp creates an App from its wired components.
func NewApp(
	cfg *config.Config,
	broker queue.Broker,
	deadLetters queue.DeadLetterStore,
	srv *server.Server,
	workers *Workers,
	logger *slog.Logger,
) *App {
	return &App{
		cfg:         cfg,
		logger:      logger,
		broker:      broker,
		deadLetters: deadLetters,
		server:      srv,
		workers:     workers,
	}
}

// Config returns the loaded configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger { return a.logger }

// Publisher returns the broker as a publisher for producers.
func (a *App) Publisher() core.Publisher { return a.broker }

// DeadLetters returns the dead-letter store of the configured broker.
func (a *App) DeadLetters() queue.DeadLetterStore { return a.deadLetters }

// Serve runs the producer API until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	a.logger.Info("starting review API",
		"port", a.cfg.Server.Port,
		"broker", a.cfg.Broker.Driver,
		"review_queue", a.cfg.Broker.ReviewQueue)

	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	if err := a.server.Stop(); err != nil {
		a.logger.Error("error during HTTP server shutdown", "error", err)
		return err
	}
	a.logger.Info("review API stopped")
	return nil
}

// RunWorkers runs both stage pools and the worker metrics listener until ctx
// is cancelled. In-flight tasks are settled before it returns.
func (a *App) RunWorkers(ctx context.Context) error {
	a.logger.Info("starting stage workers",
		"broker", a.cfg.Broker.Driver,
		"review_workers", a.cfg.Pipeline.ReviewWorkers,
		"comment_workers", a.cfg.Pipeline.CommentWorkers)

	metricsSrv := &http.Server{
		Addr:              ":" + a.cfg.Metrics.Port,
		Handler:           newMetricsRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.workers.Review.Run(gctx) })
	g.Go(func() error { return a.workers.Comment.Run(gctx) })
	g.Go(func() error {
		a.logger.Info("serving worker metrics", "address", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics listener failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.logger.Info("stage workers stopped")
	return err
}

func newMetricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}
