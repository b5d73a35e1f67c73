// Package cmd defines and implements the CLI commands for the showtimes executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/cinema-showtime-scraper/internal/app"
	"github.com/JakeFAU/cinema-showtime-scraper/internal/config"
	"github.com/JakeFAU/cinema-showtime-scraper/internal/logging"
	"github.com/JakeFAU/cinema-showtime-scraper/internal/metrics"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// options are the persistent flags shared by every subcommand.
type options struct {
	configPath string
	once       bool
}

// newApp is the application factory. It's a variable so tests can stub it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "showtimes",
		Short: "Scrapes movies, cinemas and showtimes from hkmovie6.com.",
		Long: `showtimes drives a headless Chrome session through the hkmovie6.com listings,
stores movies, cinemas and showtimes in Postgres (directly or through PostgREST)
and writes pipe-delimited export tables for downstream jobs.`,
		SilenceUsage: true,

		// Builds the services once the flags are parsed; subcommands read them from the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("once") {
				cfg.Run.Once = opts.once
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			metrics.Init()

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				_ = logger.Sync()
				return fmt.Errorf("initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(*app.App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a config file (yaml, json or toml)")
	cmd.PersistentFlags().BoolVar(&opts.once, "once", false, "run a single pass and exit")

	cmd.AddCommand(newRunCmd(), newProbeCmd())
	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute loads .env, wires signal cancellation and runs the CLI.
func Execute() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
