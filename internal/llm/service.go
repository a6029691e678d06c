// Package llm implements the analysis collaborator: it renders a review
// prompt for a diff, calls a language model under a bounded retry policy and
// turns the reply into an AnalysisResult.
package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/defexai/defex-reviewer/internal/core"
	"github.com/defexai/defex-reviewer/internal/metrics"
	"github.com/defexai/defex-reviewer/internal/retry"
)

// Analyzer reviews a diff.
type Analyzer interface {
	Analyze(ctx context.Context, diff string) (*core.AnalysisResult, error)
}

// Options configures a Service.
type Options struct {
	Provider string
	// OutputFormat is "issues" or "markdown".
	OutputFormat string
	// CallTimeout bounds a single model call. Zero means no extra bound.
	CallTimeout time.Duration
	Policy      retry.Policy
}

// Service is the default Analyzer.
type Service struct {
	generator Generator
	prompts   *PromptManager
	opts      Options
	logger    *slog.Logger
}

// NewService creates an analysis Service.
func NewService(generator Generator, prompts *PromptManager, opts Options, logger *slog.Logger) *Service {
	return &Service{generator: generator, prompts: prompts, opts: opts, logger: logger}
}

// Analyze renders the prompt, calls the model and parses the reply. Failed
// calls and unparseable replies are retried per the policy; the final failure
// is returned as an AnalysisServiceError.
func (s *Service) Analyze(ctx context.Context, diff string) (*core.AnalysisResult, error) {
	key := IssuesReviewPrompt
	if s.opts.OutputFormat == "markdown" {
		key = MarkdownReviewPrompt
	}

	prompt, err := s.prompts.Render(key, ModelProvider(s.opts.Provider), PromptData{Diff: diff})
	if err != nil {
		return nil, &core.AnalysisServiceError{Err: err}
	}

	var result *core.AnalysisResult
	err = s.opts.Policy.Do(ctx, func(ctx context.Context, attempt int) error {
		reply, err := s.generateWithTimeout(ctx, prompt)
		if err != nil {
			metrics.AnalysisCalls.WithLabelValues(s.opts.Provider, "error").Inc()
			s.logger.Warn("analysis call failed", "attempt", attempt, "error", err)
			return err
		}

		if key == MarkdownReviewPrompt {
			result = core.TextResult(reply)
		} else {
			parsed, perr := parseIssues(reply)
			if perr != nil {
				metrics.AnalysisCalls.WithLabelValues(s.opts.Provider, "malformed").Inc()
				s.logger.Warn("analysis reply could not be parsed", "attempt", attempt, "error", perr)
				return &core.AnalysisServiceError{Err: perr, Malformed: true}
			}
			result = parsed
		}

		metrics.AnalysisCalls.WithLabelValues(s.opts.Provider, "success").Inc()
		return nil
	})
	if err != nil {
		var ae *core.AnalysisServiceError
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, &core.AnalysisServiceError{Err: err}
	}
	return result, nil
}

// generateWithTimeout bounds a single model call by CallTimeout.
func (s *Service) generateWithTimeout(ctx context.Context, prompt string) (string, error) {
	if s.opts.CallTimeout <= 0 {
		return s.generator.Generate(ctx, prompt)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()

	type result struct {
		resp string
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		resp, err := s.generator.Generate(ctx, prompt)
		resultCh <- result{resp, err}
	}()

	select {
	case res := <-resultCh:
		return res.resp, res.err
	case <-ctx.Done():
		return "", &core.AnalysisServiceError{Err: ctx.Err()}
	}
}
