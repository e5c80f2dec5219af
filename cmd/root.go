// Package cmd defines and implements the CLI commands for the coverwatch executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/coverwatch/internal/api"
	"github.com/JakeFAU/coverwatch/internal/app"
	"github.com/JakeFAU/coverwatch/internal/config"
	"github.com/JakeFAU/coverwatch/internal/logging"
	"github.com/JakeFAU/coverwatch/internal/store"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use.
// Tests inject a fake through newApp.
type App interface {
	Close(ctx context.Context) error
	Logger() *zap.Logger
	Config() config.Config
	Runner() api.CycleRunner
	Cycles() store.CycleRepository
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		return nil, fmt.Errorf("build app: %w", err)
	}
	return appAdapter{a}, nil
}

type appAdapter struct {
	*app.App
}

func (a appAdapter) Runner() api.CycleRunner {
	return a.Pipeline()
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "coverwatch",
		Short: "Watches a publisher catalog for new and changed cover images.",
		Long: `coverwatch crawls a paginated catalog listing, fingerprints each item's
cover thumbnail, and downloads full-resolution assets for items that are new
or whose thumbnail changed since the previous cycle.`,
		SilenceUsage: true,

		// Load config, build the logger and the app before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newWatchCmd())
	return cmd
}

// closeApp shuts services down and flushes the logger. Commands defer it because
// cobra skips post-run hooks when RunE fails.
func closeApp(appInstance App, errp *error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	closeErr := appInstance.Close(ctx)
	_ = appInstance.Logger().Sync()
	if closeErr != nil && *errp == nil {
		*errp = fmt.Errorf("close app: %w", closeErr)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "coverwatch: %v\n", err)
		os.Exit(1)
	}
}
