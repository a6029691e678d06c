package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/defexai/defex-reviewer/internal/wire"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Runs the review and comment stage workers",
	Long: `Consumes the review and comment queues until interrupted. Each worker takes
one task at a time and acknowledges it only after it has finished.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		app, cleanup, err := wire.InitializeApp(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize app services: %w", err)
		}
		defer cleanup()

		if err := app.RunWorkers(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	rootCmd.AddCommand(workerCmd)
}
