package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/linkedin-signals/internal/config"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP server",
		Long: `Serves the cron advance endpoint, the per-stage endpoints, the admin API,
health checks and metrics. With loop or pubsub continuation the advance loop
also runs in this process.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, nil, func(app App) error {
				return app.Serve(cmd.Context())
			})
		},
	}
}

func newAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance",
		Short: "Runs one advance pass in-process and prints the outcome",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, forceLoop, func(app App) error {
				out, err := app.Advance(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}

func newRunCmd() *cobra.Command {
	var maxPasses int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs advance passes in-process until the pipeline stops asking for more",
		Long: `Drives the job forward pass after pass without HTTP round-trips. The run
ends when a pass does not request a continuation, for example while the scrape
is still running or after the job completes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if maxPasses < 0 {
				return errors.New("--max-passes must be >= 0")
			}
			return withApp(cmd, forceLoop, func(app App) error {
				out, passes, err := app.Drain(cmd.Context(), maxPasses)
				if perr := printJSON(cmd.OutOrStdout(), map[string]any{"passes": passes, "outcome": out}); perr != nil {
					return perr
				}
				if err != nil {
					return fmt.Errorf("run: %w", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxPasses, "max-passes", 1000, "stop after this many passes (0 for no limit)")
	return cmd
}

func newScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Triggers advance passes on the configured cron schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, inProcess, func(app App) error {
				return app.Schedule(cmd.Context())
			})
		},
	}
}

func forceLoop(cfg *config.Config) {
	cfg.Pipeline.Dispatch = config.DispatchLocal
	cfg.Pipeline.Continuation = config.ContinueLoop
}
