package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon with scheduled backups",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx, true)
	if err != nil {
		return err
	}

	if err := a.orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	a.logger.WithField("version", buildVersion).Info("daemon running, waiting for schedules")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	a.logger.WithField("signal", sig.String()).Info("shutting down")

	// Stop drains in-flight runs up to the configured window; an
	// expired drain is reported but shutdown continues.
	err = a.orch.Stop(context.Background())
	if a.notifier != nil {
		a.notifier.Flush()
	}
	a.display.RenderMetrics(a.orch.Metrics())
	return err
}
