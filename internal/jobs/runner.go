// Package jobs runs the pipeline stages as pools of queue consumers.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/defexai/defex-reviewer/internal/core"
	"github.com/defexai/defex-reviewer/internal/metrics"
	"github.com/defexai/defex-reviewer/internal/queue"
	"github.com/defexai/defex-reviewer/internal/retry"
)

// ErrHardTimeLimit is returned for a task abandoned at its hard time limit.
var ErrHardTimeLimit = errors.New("hard time limit exceeded")

const (
	settleTimeout    = 30 * time.Second
	resubscribeDelay = 2 * time.Second
)

// Limits are the per-task wall-clock limits. Soft is delivered to the stage
// as a context deadline; at Hard the runner stops waiting and hands the
// message back to the broker.
type Limits struct {
	Soft time.Duration
	Hard time.Duration
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Queue   string
	Workers int
	Limits  Limits
	// Policy bounds broker-level attempts and the delay between them.
	Policy retry.Policy
}

// Runner consumes one queue with a fixed pool of workers, each holding its
// own consumer with a prefetch of one.
type Runner struct {
	broker queue.Broker
	stage  core.Stage
	cfg    RunnerConfig
	logger *slog.Logger

	resubscribeDelay time.Duration
}

// NewRunner creates a Runner. A non-positive worker count defaults to 1.
func NewRunner(broker queue.Broker, stage core.Stage, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Runner{
		broker:           broker,
		stage:            stage,
		cfg:              cfg,
		logger:           logger.With("stage", stage.Name(), "queue", cfg.Queue),
		resubscribeDelay: resubscribeDelay,
	}
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has settled its in-flight message.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("starting stage workers", "workers", r.cfg.Workers,
		"soft_limit", r.cfg.Limits.Soft, "hard_limit", r.cfg.Limits.Hard)

	g, ctx := errgroup.WithContext(ctx)
	for i := range r.cfg.Workers {
		g.Go(func() error {
			return r.worker(ctx, i)
		})
	}
	err := g.Wait()
	r.logger.Info("all stage workers stopped")
	return err
}

func (r *Runner) worker(ctx context.Context, workerID int) error {
	logger := r.logger.With("worker_id", workerID)
	logger.Debug("worker started")

	for {
		deliveries, err := r.broker.Consume(ctx, r.cfg.Queue)
		if errors.Is(err, queue.ErrClosed) {
			return nil
		}
		if err != nil {
			logger.Warn("failed to subscribe to queue", "error", err)
		} else {
			for d := range deliveries {
				r.process(ctx, logger, d)
			}
		}

		if ctx.Err() != nil {
			logger.Debug("worker stopped")
			return nil
		}
		logger.Warn("delivery stream closed, resubscribing", "delay", r.resubscribeDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.resubscribeDelay):
		}
	}
}

func (r *Runner) process(ctx context.Context, logger *slog.Logger, d queue.Delivery) {
	msg := d.Message()
	logger = logger.With("message_id", msg.ID, "attempt", msg.Attempt)
	if id := gjson.GetBytes(msg.Body, "task_id").String(); id != "" {
		logger = logger.With("task_id", id)
	}

	// Settle even when the worker is shutting down so the message is not left leased.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	var (
		outcome string
		serr    error
	)
	if r.overDelivered(msg) {
		// Earlier deliveries never settled, e.g. the worker process died
		// while handling it. Running it again could repeat that.
		logger.Error("message delivered past its attempts without settling, dead-lettering")
		outcome = "dead_lettered"
		serr = d.DeadLetter(settleCtx, fmt.Sprintf("attempts exhausted (%d): previous deliveries were never settled", msg.Attempt))
	} else {
		logger.Info("processing message", "redelivered", msg.Redelivered)

		start := time.Now()
		err := r.execute(ctx, msg)
		interrupted := err != nil && ctx.Err() != nil && !core.IsPermanent(err)

		result := "success"
		switch {
		case interrupted:
			result = "interrupted"
		case err != nil:
			result = "failure"
			metrics.TaskFailures.WithLabelValues(r.stage.Name(), core.Kind(err)).Inc()
		}
		metrics.TaskDuration.WithLabelValues(r.stage.Name(), result).Observe(time.Since(start).Seconds())

		outcome, serr = r.settle(settleCtx, interrupted, logger, d, msg, err)
	}
	if serr != nil {
		// The broker redelivers unsettled messages.
		logger.Error("failed to settle message", "outcome", outcome, "error", serr)
		return
	}
	metrics.TasksProcessed.WithLabelValues(r.stage.Name(), outcome).Inc()
}

// overDelivered reports whether msg arrives with more attempts than the
// policy allows, which only happens when deliveries were lost unsettled.
func (r *Runner) overDelivered(msg *core.Message) bool {
	return r.cfg.Policy.MaxAttempts > 0 && msg.Attempt > r.cfg.Policy.MaxAttempts
}

// execute runs the stage under the soft and hard limits. A panic in the stage
// is reported as an error so the worker survives it.
func (r *Runner) execute(ctx context.Context, msg *core.Message) error {
	taskCtx, cancel := context.WithCancel(ctx)
	if r.cfg.Limits.Soft > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, r.cfg.Limits.Soft)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("stage %s panicked: %v", r.stage.Name(), p)
			}
		}()
		done <- r.stage.Handle(taskCtx, msg)
	}()

	if r.cfg.Limits.Hard <= 0 {
		return <-done
	}
	timer := time.NewTimer(r.cfg.Limits.Hard)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		metrics.HardLimitExceeded.WithLabelValues(r.stage.Name()).Inc()
		return fmt.Errorf("%w after %s", ErrHardTimeLimit, r.cfg.Limits.Hard)
	}
}

func (r *Runner) settle(ctx context.Context, interrupted bool, logger *slog.Logger, d queue.Delivery, msg *core.Message, err error) (string, error) {
	if err == nil {
		logger.Info("message processed")
		return "acked", d.Ack(ctx)
	}

	kind := core.Kind(err)
	reason := kind + ": " + err.Error()

	switch {
	case core.IsPermanent(err):
		logger.Error("task failed permanently, dead-lettering", "kind", kind, "error", err)
		return "dead_lettered", d.DeadLetter(ctx, reason)
	case interrupted:
		logger.Warn("task interrupted by shutdown, handing back", "error", err)
		return "released", d.Release(ctx)
	case r.cfg.Policy.Exhausted(msg.Attempt):
		logger.Error("task attempts exhausted, dead-lettering", "kind", kind, "error", err)
		return "dead_lettered", d.DeadLetter(ctx, fmt.Sprintf("attempts exhausted (%d): %s", msg.Attempt, reason))
	default:
		delay := r.cfg.Policy.Backoff(msg.Attempt)
		logger.Warn("task failed, scheduling retry", "kind", kind, "delay", delay, "error", err)
		return "retried", d.Retry(ctx, delay, reason)
	}
}
