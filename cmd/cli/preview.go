package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/defexai/defex-reviewer/internal/config"
	"github.com/defexai/defex-reviewer/internal/diff"
	"github.com/defexai/defex-reviewer/internal/gitutil"
	"github.com/defexai/defex-reviewer/internal/llm"
	"github.com/defexai/defex-reviewer/internal/logger"
	"github.com/defexai/defex-reviewer/internal/retry"
	"github.com/defexai/defex-reviewer/internal/review"
)

var (
	previewDiffFile string
	previewLocal    string
	previewBase     string
	previewHead     string
	previewMaxBytes int
	previewRaw      bool
)

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Reviews a diff locally and prints the comment without queueing anything",
	Example: `  reviewer preview --local . --base main
  git diff main | reviewer preview --diff-file -`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		start := time.Now()

		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		log := logger.NewLogger(cfg.Logging, logger.NewWriter(cfg.Logging))

		var text string
		switch {
		case previewLocal != "":
			head := previewHead
			if head == "" {
				head = "HEAD"
			}
			base := previewBase
			if base == "" {
				base = "HEAD~1"
			}
			text, _, err = gitutil.NewClient(log).LocalDiff(previewLocal, base, head)
		case previewDiffFile != "":
			text, err = readDiffFile(previewDiffFile, cmd.InOrStdin())
		default:
			return fmt.Errorf("pass --local or --diff-file")
		}
		if err != nil {
			return err
		}

		maxBytes := previewMaxBytes
		if maxBytes <= 0 {
			maxBytes = cfg.Pipeline.DefaultMaxBytes
		}
		text, truncated, err := diff.ReadCapped(strings.NewReader(text), maxBytes)
		if err != nil {
			return err
		}
		if strings.TrimSpace(text) == "" {
			warnColor.Println("Diff is empty, nothing to review.")
			return nil
		}

		gen, err := llm.NewGenerator(ctx, cfg.AI, log)
		if err != nil {
			return err
		}
		prompts, err := llm.NewPromptManager()
		if err != nil {
			return err
		}
		svc := llm.NewService(gen, prompts, llm.Options{
			Provider:     cfg.AI.Provider,
			OutputFormat: cfg.AI.OutputFormat,
			CallTimeout:  cfg.AI.Timeout,
			Policy: retry.Policy{
				MaxAttempts:    cfg.Pipeline.AnalysisMaxAttempts,
				InitialBackoff: cfg.Pipeline.RetryBackoff,
				MaxBackoff:     cfg.Pipeline.RetryMaxBackoff,
			},
		}, log)

		titleColor.Println("Reviewing diff...")
		dimColor.Printf("   %d bytes (cap %d)\n\n", len(text), maxBytes)

		result, err := svc.Analyze(ctx, text)
		if err != nil {
			errorColor.Println("✗ Analysis failed")
			return err
		}

		body := review.Format(result, truncated)
		if previewRaw {
			fmt.Println(body)
		} else {
			fmt.Println(renderMarkdown(body, log))
		}
		dimColor.Printf("\nTotal time: %s\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}

// renderMarkdown renders the comment for the terminal, falling back to the
// raw text when the renderer fails.
func renderMarkdown(body string, log *slog.Logger) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
		glamour.WithPreservedNewLines(),
	)
	if err != nil {
		log.Debug("markdown renderer unavailable", "error", err)
		return body
	}
	out, err := r.Render(body)
	if err != nil {
		log.Debug("failed to render markdown", "error", err)
		return body
	}
	return out
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	previewCmd.Flags().StringVar(&previewDiffFile, "diff-file", "", "Review this diff file, - for stdin")
	previewCmd.Flags().StringVar(&previewLocal, "local", "", "Review --base..--head of the Git checkout at this path")
	previewCmd.Flags().StringVar(&previewBase, "base", "", "Base revision for --local (default HEAD~1)")
	previewCmd.Flags().StringVar(&previewHead, "head", "", "Head revision for --local (default HEAD)")
	previewCmd.Flags().IntVar(&previewMaxBytes, "max-bytes", 0, "Byte cap for the reviewed diff")
	previewCmd.Flags().BoolVar(&previewRaw, "raw", false, "Print the comment as plain markdown")
	rootCmd.AddCommand(previewCmd)
}
