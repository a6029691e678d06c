// Package wire builds the application object graph.
package wire

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/wire"

	"github.com/defexai/defex-reviewer/internal/app"
	"github.com/defexai/defex-reviewer/internal/config"
	"github.com/defexai/defex-reviewer/internal/core"
	"github.com/defexai/defex-reviewer/internal/credential"
	"github.com/defexai/defex-reviewer/internal/db"
	"github.com/defexai/defex-reviewer/internal/diff"
	"github.com/defexai/defex-reviewer/internal/github"
	"github.com/defexai/defex-reviewer/internal/jobs"
	"github.com/defexai/defex-reviewer/internal/llm"
	"github.com/defexai/defex-reviewer/internal/logger"
	"github.com/defexai/defex-reviewer/internal/queue"
	"github.com/defexai/defex-reviewer/internal/retry"
	"github.com/defexai/defex-reviewer/internal/server"
)

// AppSet provides everything app.NewApp needs.
var AppSet = wire.NewSet(
	app.NewApp,
	server.NewServer,
	config.LoadConfig,
	credential.NewResolver,
	diff.NewResolver,
	llm.NewPromptManager,
	jobs.NewCommentStage,
	provideLoggerConfig,
	provideLogWriter,
	provideSlogLogger,
	provideBroker,
	providePublisher,
	provideDeadLetterStore,
	provideCredentialSource,
	provideClientFactory,
	provideGenerator,
	provideAnalyzer,
	provideReviewStage,
	provideWorkers,
)

func provideLoggerConfig(cfg *config.Config) logger.Config {
	return cfg.Logging
}

func provideLogWriter(cfg logger.Config) io.Writer {
	return logger.NewWriter(cfg)
}

func provideSlogLogger(cfg logger.Config, writer io.Writer) *slog.Logger {
	l := logger.NewLogger(cfg, writer)
	slog.SetDefault(l)
	return l
}

// provideBroker connects the configured queue driver. The cleanup closes the
// broker and, for postgres, the connection pool.
func provideBroker(cfg *config.Config, logger *slog.Logger) (queue.Broker, func(), error) {
	switch cfg.Broker.Driver {
	case "amqp":
		b, err := queue.DialAMQP(cfg.Broker.URL, queue.AMQPOptions{DeliveryLimit: cfg.Pipeline.MaxAttempts}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
		}
		return b, func() { _ = b.Close() }, nil

	case "postgres":
		conn, closeDB, err := db.NewDatabase(&cfg.Database, logger)
		if err != nil {
			return nil, nil, err
		}
		b := queue.NewPostgresBroker(conn.DB, queue.PostgresOptions{
			DSN:               conn.DataSourceName(),
			PollInterval:      cfg.Broker.PollInterval,
			VisibilityTimeout: cfg.Broker.VisibilityTimeout,
		}, logger)
		return b, func() {
			_ = b.Close()
			closeDB()
		}, nil

	case "memory":
		logger.Warn("using in-memory broker; queued tasks are lost on exit")
		b := queue.NewMemoryBroker()
		return b, func() { _ = b.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported broker driver: %s", cfg.Broker.Driver)
	}
}

func providePublisher(b queue.Broker) core.Publisher {
	return b
}

func provideDeadLetterStore(b queue.Broker) (queue.DeadLetterStore, error) {
	store, ok := b.(queue.DeadLetterStore)
	if !ok {
		return nil, fmt.Errorf("broker %T does not keep dead letters", b)
	}
	return store, nil
}

// provideCredentialSource picks the default hosting credential: the static
// bot token, else the GitHub App installation, else none.
func provideCredentialSource(cfg *config.Config, logger *slog.Logger) (credential.Source, error) {
	gh := cfg.GitHub
	switch {
	case gh.Token != "":
		return credential.StaticToken(gh.Token), nil
	case gh.UsesApp():
		src, err := github.NewAppTokenSource(gh.AppID, gh.InstallationID, gh.PrivateKeyPath, gh.APIURL, logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		logger.Warn("no default GitHub credential configured; tasks must carry github_token")
		return nil, nil
	}
}

func provideClientFactory(cfg *config.Config, logger *slog.Logger) (github.ClientFactory, error) {
	return github.NewClientFactory(cfg.GitHub.APIURL, logger)
}

func provideGenerator(ctx context.Context, cfg *config.Config, logger *slog.Logger) (llm.Generator, error) {
	return llm.NewGenerator(ctx, cfg.AI, logger)
}

func provideAnalyzer(gen llm.Generator, prompts *llm.PromptManager, cfg *config.Config, logger *slog.Logger) llm.Analyzer {
	return llm.NewService(gen, prompts, llm.Options{
		Provider:     cfg.AI.Provider,
		OutputFormat: cfg.AI.OutputFormat,
		CallTimeout:  cfg.AI.Timeout,
		Policy: retry.Policy{
			MaxAttempts:    cfg.Pipeline.AnalysisMaxAttempts,
			InitialBackoff: cfg.Pipeline.RetryBackoff,
			MaxBackoff:     cfg.Pipeline.RetryMaxBackoff,
		},
	}, logger)
}

func provideReviewStage(
	cfg *config.Config,
	credentials *credential.Resolver,
	clients github.ClientFactory,
	diffs *diff.Resolver,
	analyzer llm.Analyzer,
	publisher core.Publisher,
	logger *slog.Logger,
) *jobs.ReviewStage {
	return jobs.NewReviewStage(credentials, clients, diffs, analyzer, publisher, jobs.ReviewStageConfig{
		CommentQueue:    cfg.Broker.CommentQueue,
		DefaultMaxBytes: cfg.Pipeline.DefaultMaxBytes,
	}, logger)
}

func provideWorkers(cfg *config.Config, broker queue.Broker, review *jobs.ReviewStage, comment *jobs.CommentStage, logger *slog.Logger) *app.Workers {
	p := cfg.Pipeline
	limits := jobs.Limits{Soft: p.SoftTimeLimit, Hard: p.HardTimeLimit}
	policy := retry.Policy{MaxAttempts: p.MaxAttempts, InitialBackoff: p.RetryBackoff, MaxBackoff: p.RetryMaxBackoff}

	return &app.Workers{
		Review: jobs.NewRunner(broker, review, jobs.RunnerConfig{
			Queue: cfg.Broker.ReviewQueue, Workers: p.ReviewWorkers, Limits: limits, Policy: policy,
		}, logger),
		Comment: jobs.NewRunner(broker, comment, jobs.RunnerConfig{
			Queue: cfg.Broker.CommentQueue, Workers: p.CommentWorkers, Limits: limits, Policy: policy,
		}, logger),
	}
}
