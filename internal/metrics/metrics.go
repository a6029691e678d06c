// Package metrics exposes the pipeline's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReviewRequests counts inbound review submissions, labeled by status.
	ReviewRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewer_review_requests_total",
		Help: "The total number of review requests received by the API",
	}, []string{"status"}) // status: queued, invalid, unavailable

	// TasksProcessed counts handled queue messages per stage and outcome.
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewer_tasks_processed_total",
		Help: "The total number of queue messages handled by stage workers",
	}, []string{"stage", "outcome"}) // outcome: acked, retried, dead_lettered

	// TaskFailures counts failed handler runs by error kind.
	TaskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewer_task_failures_total",
		Help: "The total number of failed task runs, by error kind",
	}, []string{"stage", "kind"})

	// TaskDuration measures handler run time per stage.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reviewer_task_duration_seconds",
		Help:    "Time taken to handle a single queue message",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 900, 1800},
	}, []string{"stage", "result"})

	// HardLimitExceeded counts tasks abandoned at the hard time limit.
	HardLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewer_task_hard_limit_exceeded_total",
		Help: "Tasks abandoned because they ran past the hard time limit",
	}, []string{"stage"})

	// DiffsTruncated counts fetched diffs that exceeded their byte cap.
	DiffsTruncated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reviewer_diffs_truncated_total",
		Help: "The total number of diffs truncated to their byte cap",
	})

	// AnalysisCalls counts analysis service calls by result.
	AnalysisCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewer_analysis_calls_total",
		Help: "The total number of calls to the analysis service",
	}, []string{"provider", "result"}) // result: success, error, malformed

	// CommentsPosted counts comment delivery results.
	CommentsPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewer_comments_posted_total",
		Help: "The total number of pull request comments delivered or skipped",
	}, []string{"result"}) // result: posted, duplicate, failed
)
