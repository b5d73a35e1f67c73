package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// newRunCmd creates the 'run' subcommand.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Scrape the site once or on a schedule",
		Long: `Runs scrape passes against the configured site. With --once (or run.once)
a single pass runs and its failure sets the exit code; otherwise passes repeat
on run.interval_seconds or daily at run.daily_at until SIGINT or SIGTERM.`,
		RunE: runScrapeCommand,
	}
}

func runScrapeCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	if err := appInstance.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run scraper: %w", err)
	}
	appInstance.Logger().Info("run command finished")
	return nil
}
