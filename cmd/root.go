// Package cmd defines and implements the CLI commands for the storewatch executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/storewatch/internal/app"
	"github.com/JakeFAU/storewatch/internal/config"
	"github.com/JakeFAU/storewatch/internal/crawler"
	"github.com/JakeFAU/storewatch/internal/logging"
	"github.com/JakeFAU/storewatch/internal/verify"
	"github.com/JakeFAU/storewatch/internal/worker"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use. Tests inject a fake.
type App interface {
	Logger() *zap.Logger
	CrawlStore(ctx context.Context, storeID string) crawler.CrawlResult
	RunCycle(ctx context.Context) (worker.CycleResult, error)
	ProcessPending(ctx context.Context) (verify.BatchResult, error)
	RetryErrors(ctx context.Context) (verify.BatchResult, error)
	SweepLocks(ctx context.Context) (int, error)
	Stats(ctx context.Context) (map[crawler.VerificationStatus]int, error)
	Migrate(ctx context.Context) error
	Serve(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Close()
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "storewatch",
		Short: "Monitors storefront listings for new and sold items.",
		Long: `storewatch crawls storefront search pages, diffs each crawl against the
previous snapshot, verifies disappeared listings against the item detail API
and notifies subscribers about new and sold items.`,
		SilenceUsage: true,

		// Runs before every subcommand: load config, build the logger and
		// inject the application services.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
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

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(
		newServeCmd(),
		newCrawlCmd(),
		newVerifyCmd(),
		newRetryErrorsCmd(),
		newSweepLocksCmd(),
		newStatsCmd(),
		newMigrateCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute(ctx context.Context) {
	if err := execute(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "storewatch:", err)
		os.Exit(1)
	}
}

func execute(ctx context.Context, args []string, out io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	return root.ExecuteContext(ctx)
}
