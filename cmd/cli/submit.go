package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/defexai/defex-reviewer/internal/core"
	"github.com/defexai/defex-reviewer/internal/gitutil"
	"github.com/defexai/defex-reviewer/internal/wire"
)

type submitOptions struct {
	File     string
	Repo     string
	PR       int
	PRURL    string
	Base     string
	Head     string
	DiffFile string
	Local    string
	MaxBytes int
	Token    string
}

var submitOpts submitOptions

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Enqueues a review task",
	Long: `Builds a review task from flags or a task file and publishes it to the review
queue. The diff can travel inline (--diff-file, or --local to diff two
revisions of a local checkout) or be fetched by the worker from the hosting
service (--repo with --pr or --base/--head, or --pr-url).`,
	Example: `  reviewer submit --pr-url https://github.com/acme/api/pull/42
  reviewer submit --repo acme/api --base main --head feature/login
  reviewer submit --local . --base main --head HEAD --repo acme/api --pr 42
  reviewer submit -f task.yaml`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		task, err := buildTask(submitOpts, cmd.InOrStdin(), gitutil.NewClient(slog.Default()))
		if err != nil {
			return err
		}
		payload, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to encode review task: %w", err)
		}

		app, cleanup, err := wire.InitializeApp(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize app services: %w", err)
		}
		defer cleanup()

		reviewQueue := app.Config().Broker.ReviewQueue
		if err := app.Publisher().Publish(ctx, reviewQueue, payload); err != nil {
			errorColor.Println("✗ Review queue unavailable")
			return err
		}

		successColor.Print("✓ Queued review ")
		boldColor.Println(task.TaskID)
		dimColor.Printf("   queue: %s\n", reviewQueue)
		return nil
	},
}

// buildTask merges the task file, if any, with the flags. Flags win. The
// task is validated and given a fresh task_id.
func buildTask(opts submitOptions, stdin io.Reader, git *gitutil.Client) (*core.ReviewTask, error) {
	task := &core.ReviewTask{}
	if opts.File != "" {
		var err error
		if task, err = loadTaskFile(opts.File); err != nil {
			return nil, err
		}
	}

	if opts.PRURL != "" {
		repo, number, err := gitutil.ParsePullRequestURL(opts.PRURL)
		if err != nil {
			return nil, err
		}
		task.Repo, task.PRNumber = repo, number
	}
	if opts.Repo != "" {
		task.Repo = opts.Repo
	}
	if opts.PR != 0 {
		task.PRNumber = opts.PR
	}
	if opts.MaxBytes != 0 {
		task.MaxBytes = opts.MaxBytes
	}
	if opts.Token != "" {
		task.GitHubToken = strings.TrimSpace(opts.Token)
	}
	if opts.Local == "" {
		if opts.Base != "" {
			task.Base = opts.Base
		}
		if opts.Head != "" {
			task.Head = opts.Head
		}
	}

	switch {
	case opts.Local != "" && opts.DiffFile != "":
		return nil, fmt.Errorf("use either --local or --diff-file, not both")

	case opts.Local != "":
		base, head := opts.Base, opts.Head
		if base == "" {
			base = "HEAD~1"
		}
		if head == "" {
			head = "HEAD"
		}
		text, changes, err := git.LocalDiff(opts.Local, base, head)
		if err != nil {
			return nil, err
		}
		dimColor.Printf("   %s..%s: %d added, %d modified, %d deleted\n",
			base, head, len(changes.Added), len(changes.Modified), len(changes.Deleted))
		// Local revisions are not hosting refs.
		task.Diff, task.Base, task.Head = text, "", ""

	case opts.DiffFile != "":
		text, err := readDiffFile(opts.DiffFile, stdin)
		if err != nil {
			return nil, err
		}
		task.Diff = text
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}
	task.TaskID = uuid.NewString()
	return task, nil
}

// loadTaskFile reads a review task from YAML or JSON.
func loadTaskFile(path string) (*core.ReviewTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	var task core.ReviewTask
	if err := yaml.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to parse task file %s: %w", path, err)
	}
	return &task, nil
}

func readDiffFile(path string, stdin io.Reader) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read diff from stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read diff file: %w", err)
	}
	return string(data), nil
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	f := submitCmd.Flags()
	f.StringVarP(&submitOpts.File, "file", "f", "", "Read the task from a YAML or JSON file")
	f.StringVar(&submitOpts.Repo, "repo", "", "Repository as owner/name")
	f.IntVar(&submitOpts.PR, "pr", 0, "Pull request number")
	f.StringVar(&submitOpts.PRURL, "pr-url", "", "Pull request URL")
	f.StringVar(&submitOpts.Base, "base", "", "Base ref (or base revision with --local)")
	f.StringVar(&submitOpts.Head, "head", "", "Head ref (or head revision with --local)")
	f.StringVar(&submitOpts.DiffFile, "diff-file", "", "Send this diff inline, - for stdin")
	f.StringVar(&submitOpts.Local, "local", "", "Diff --base..--head of the Git checkout at this path and send it inline")
	f.IntVar(&submitOpts.MaxBytes, "max-bytes", 0, "Byte cap for fetched diffs")
	f.StringVar(&submitOpts.Token, "token", "", "GitHub token for this task")
	rootCmd.AddCommand(submitCmd)
}
