// Package cmd defines and implements the CLI commands for the folderstats
// executable.
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bucket-folder-stats/internal/app"
	"github.com/JakeFAU/bucket-folder-stats/internal/config"
	"github.com/JakeFAU/bucket-folder-stats/internal/crawler"
	"github.com/JakeFAU/bucket-folder-stats/internal/logging"
	"github.com/JakeFAU/bucket-folder-stats/internal/orchestrator"
	"github.com/JakeFAU/bucket-folder-stats/internal/report"
)

// App defines the application interface that commands use. Tests inject a
// fake through the factory.
type App interface {
	Crawl(ctx context.Context, target crawler.Target, fresh bool) (orchestrator.Result, error)
	Folders(ctx context.Context, unprocessedOnly bool) ([]crawler.FolderEntry, error)
	Report(ctx context.Context) (report.Report, error)
	Serve(ctx context.Context) error
	Close(ctx context.Context) error
}

type appFactory func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error)

func buildApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.Build(ctx, cfg, logger)
}

// cli carries state shared between the root hooks and subcommands.
type cli struct {
	factory appFactory
	cfgFile string

	cfg    config.Config
	logger *zap.Logger
	app    App
}

// setup runs after flags are parsed but before the subcommand's RunE.
func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	c.cfg, c.logger = cfg, logger

	a, err := c.factory(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	c.app = a
	return nil
}

func (c *cli) close() {
	if c.app != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.app.Close(ctx); err != nil {
			c.logger.Warn("shutdown incomplete", zap.Error(err))
		}
		c.app = nil
	}
	if c.logger != nil {
		_ = c.logger.Sync()
	}
}

func newRootCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "folderstats",
		Short: "Crawl object storage metadata and report per-folder statistics.",
		Long: `folderstats walks every folder under a bucket prefix, persists object
metadata to a local or shared database and aggregates size, counts and
timestamps per folder. Interrupted crawls resume where they stopped.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
	}
	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (YAML); FOLDERSTATS_* env vars override it")

	cmd.AddCommand(newCrawlCmd(c))
	cmd.AddCommand(newFoldersCmd(c))
	cmd.AddCommand(newReportCmd(c))
	cmd.AddCommand(newServeCmd(c))
	return cmd
}

// Execute is the main entry point. Cancelling ctx stops a running crawl;
// the next crawl resumes it.
func Execute(ctx context.Context) error {
	c := &cli{factory: buildApp}
	defer c.close()
	return newRootCmd(c).ExecuteContext(ctx)
}
