package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/cinema-showtime-scraper/internal/probe"
)

// newProbeCmd creates the 'probe' subcommand.
func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe [url]",
		Short: "Check whether the site is reachable and not serving a challenge page",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runProbeCommand,
	}
}

func runProbeCommand(cmd *cobra.Command, args []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	target := appInstance.BaseURL()
	if len(args) == 1 {
		target = args[0]
	}

	res, err := appInstance.Prober().Probe(cmd.Context(), target)
	if err != nil {
		return fmt.Errorf("probe %s: %w", target, err)
	}
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encode probe result: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if res.Status != probe.StatusOK {
		appInstance.Logger().Warn("site probe not ok", zap.String("status", res.Status), zap.String("url", target))
		return fmt.Errorf("probe status %s", res.Status)
	}
	return nil
}
