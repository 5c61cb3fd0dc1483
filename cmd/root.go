// Package cmd defines and implements the CLI commands for the crawlsearch executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsearch/internal/config"
	"github.com/JakeFAU/crawlsearch/internal/logging"
	"github.com/JakeFAU/crawlsearch/internal/server"
)

// Version is stamped at build time.
var Version = "dev"

type ctxKey string

const (
	cfgKey    ctxKey = "config"
	loggerKey ctxKey = "logger"
)

// App is the part of the built application the commands drive.
type App interface {
	Run(ctx context.Context) error
	RunPipeline(ctx context.Context) error
	Close(ctx context.Context)
	Crawls() Crawls
	Searcher() Searcher
}

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := server.Build(ctx, cfg, Version, logger)
	if err != nil {
		return nil, fmt.Errorf("build application: %w", err)
	}
	return appAdapter{a}, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "crawlsearch",
		Short: "Scoped web crawler with an in-memory search index.",
		Long: `crawlsearch crawls the web within a caller-chosen scope of top-level
domains and regions, indexes what it fetches, and serves ranked, paginated
search over the pages it has seen.`,
		SilenceUsage: true,

		// Load configuration and the logger before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), cfgKey, cfg)
			ctx = context.WithValue(ctx, loggerKey, logger)
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if logger, ok := cmd.Context().Value(loggerKey).(*zap.Logger); ok {
				_ = logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCrawlCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func fromContext(ctx context.Context) (config.Config, *zap.Logger, error) {
	cfg, ok := ctx.Value(cfgKey).(config.Config)
	if !ok {
		return config.Config{}, nil, fmt.Errorf("configuration not loaded")
	}
	logger, ok := ctx.Value(loggerKey).(*zap.Logger)
	if !ok || logger == nil {
		return config.Config{}, nil, fmt.Errorf("logger not initialized")
	}
	return cfg, logger, nil
}
