// Package cmd defines and implements the CLI commands for the signals executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkedin-signals/internal/advance"
	"github.com/JakeFAU/linkedin-signals/internal/config"
	"github.com/JakeFAU/linkedin-signals/internal/logging"
	"github.com/JakeFAU/linkedin-signals/internal/server"
)

var (
	cfgFile string
	envFile string
)

// runtimeKeyType is the key for storing the loaded runtime in the context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// App defines the application surface the commands drive.
// This allows us to inject a fake app during tests.
type App interface {
	Serve(ctx context.Context) error
	Schedule(ctx context.Context) error
	Advance(ctx context.Context) (advance.Outcome, error)
	Drain(ctx context.Context, maxPasses int) (advance.Outcome, int, error)
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so we can
// replace it with a fake factory in our tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return server.Build(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signals",
		Short: "Daily LinkedIn content intelligence pipeline.",
		Long: `signals scrapes approved LinkedIn profiles once a day, keeps fresh posts,
indexes them as embeddings, generates one insight per industry and signal, and
delivers the insights to Telegram subscribers. Work advances one bounded batch
per pass so each pass fits a short request budget.`,
		SilenceUsage: true,

		// Load env, config and logger before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(envFile); err != nil {
				return err
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			ctx := context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: cfg, logger: logger})
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey).(*runtime); ok && rt != nil {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config; missing files are ignored")

	cmd.AddCommand(
		newServeCmd(),
		newAdvanceCmd(),
		newRunCmd(),
		newScheduleCmd(),
		newMigrateCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// loadEnvFile fills unset environment variables from path.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

// withApp builds the app from the loaded runtime, applies mutate to a copy of
// the config first, and closes the app after fn returns.
func withApp(cmd *cobra.Command, mutate func(*config.Config), fn func(App) error) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	cfg := rt.cfg
	if mutate != nil {
		mutate(&cfg)
	}
	app, err := newApp(cmd.Context(), cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := app.Close(context.WithoutCancel(cmd.Context())); cerr != nil {
			rt.logger.Warn("application close failed", zap.Error(cerr))
		}
	}()
	return fn(app)
}

// inProcess routes stage calls and continuations through the current process.
func inProcess(cfg *config.Config) {
	cfg.Pipeline.Dispatch = config.DispatchLocal
	if cfg.Pipeline.Continuation != config.ContinuePubSub {
		cfg.Pipeline.Continuation = config.ContinueLoop
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
