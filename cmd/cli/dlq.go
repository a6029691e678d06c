package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/defexai/defex-reviewer/internal/queue"
	"github.com/defexai/defex-reviewer/internal/wire"
)

var (
	dlqQueue  string
	dlqLimit  int
	dlqJSON   bool
	replayIDs []string
	replayAll bool
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspects and replays dead-lettered tasks",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists dead-lettered tasks of a queue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		app, cleanup, err := wire.InitializeApp(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize app services: %w", err)
		}
		defer cleanup()

		name := dlqQueue
		if name == "" {
			name = app.Config().Broker.ReviewQueue
		}
		letters, err := app.DeadLetters().ListDeadLetters(ctx, name, dlqLimit)
		if err != nil {
			return fmt.Errorf("failed to list dead letters: %w", err)
		}

		if dlqJSON {
			return writeDeadLettersJSON(os.Stdout, letters)
		}
		if len(letters) == 0 {
			successColor.Printf("No dead letters on %s.\n", name)
			return nil
		}
		titleColor.Printf("%d dead letter(s) on %s\n\n", len(letters), name)
		return writeDeadLetterTable(os.Stdout, letters)
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Moves dead-lettered tasks back onto their queue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !replayAll && len(replayIDs) == 0 {
			return fmt.Errorf("pass --id at least once, or --all")
		}
		if replayAll && len(replayIDs) > 0 {
			return fmt.Errorf("use either --id or --all, not both")
		}
		ctx := cmd.Context()

		app, cleanup, err := wire.InitializeApp(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize app services: %w", err)
		}
		defer cleanup()

		name := dlqQueue
		if name == "" {
			name = app.Config().Broker.ReviewQueue
		}
		n, err := app.DeadLetters().ReplayDeadLetters(ctx, name, replayIDs)
		if err != nil {
			return fmt.Errorf("failed to replay dead letters: %w", err)
		}
		if n == 0 {
			warnColor.Println("Nothing replayed.")
			return nil
		}
		successColor.Printf("✓ Replayed %d task(s) onto %s\n", n, name)
		return nil
	},
}

type deadLetterView struct {
	ID       string    `json:"id"`
	Queue    string    `json:"queue"`
	Attempts int       `json:"attempts"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
	Body     string    `json:"body"`
}

func writeDeadLettersJSON(w io.Writer, letters []queue.DeadLetter) error {
	views := make([]deadLetterView, 0, len(letters))
	for _, dl := range letters {
		views = append(views, deadLetterView{
			ID:       dl.ID,
			Queue:    dl.Queue,
			Attempts: dl.Attempts,
			Reason:   dl.Reason,
			FailedAt: dl.FailedAt,
			Body:     string(dl.Body),
		})
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(views)
}

func writeDeadLetterTable(w io.Writer, letters []queue.DeadLetter) error {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "ID\tATTEMPTS\tFAILED AT\tREASON")
	for _, dl := range letters {
		failedAt := "-"
		if !dl.FailedAt.IsZero() {
			failedAt = dl.FailedAt.Format(time.RFC822)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", dl.ID, dl.Attempts, failedAt, shorten(dl.Reason, 80))
	}
	return tw.Flush()
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	dlqCmd.PersistentFlags().StringVar(&dlqQueue, "queue", "", "Queue name (defaults to the review queue)")

	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 50, "Maximum number of entries")
	dlqListCmd.Flags().BoolVar(&dlqJSON, "json", false, "Output dead letters as JSON")

	dlqReplayCmd.Flags().StringArrayVar(&replayIDs, "id", nil, "Message ID to replay (repeatable)")
	dlqReplayCmd.Flags().BoolVar(&replayAll, "all", false, "Replay every dead letter of the queue")

	dlqCmd.AddCommand(dlqListCmd, dlqReplayCmd)
	rootCmd.AddCommand(dlqCmd)
}
