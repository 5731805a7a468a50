package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgfp-lmis/stock-crawler/internal/clock/system"
	"github.com/dgfp-lmis/stock-crawler/internal/config"
	"github.com/dgfp-lmis/stock-crawler/internal/database"
	"github.com/dgfp-lmis/stock-crawler/internal/enumerate"
	"github.com/dgfp-lmis/stock-crawler/internal/fetch"
	"github.com/dgfp-lmis/stock-crawler/internal/metrics"
	"github.com/dgfp-lmis/stock-crawler/internal/progress"
	"github.com/dgfp-lmis/stock-crawler/internal/scheduler"
	"github.com/dgfp-lmis/stock-crawler/internal/writer"
)

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Fetch stock reports for a month range",
	Long: `Crawl enumerates every (month, warehouse, upazila, union, item)
combination in the requested range and fetches the ones not already recorded
in the progress file. Ctrl-C stops the run cleanly; rerunning picks up where
it left off.`,
	RunE: runCrawl,
}

func init() {
	flags := crawlCmd.Flags()
	flags.String("start", "", "first month to crawl, YYYY-MM")
	flags.String("end", "", "last month to crawl, YYYY-MM")
	flags.String("resume", "", "skip months before this one, YYYY-MM")
	flags.String("warehouse", "", "restrict to one warehouse (id or name fragment)")
	flags.Int("workers", 0, "number of concurrent fetch workers")
	flags.Int("retries", 0, "attempts per unit before it is recorded as failed")
	flags.String("output-dir", "", "directory for fetched documents")
	flags.Bool("reset-progress", false, "discard this host's progress file before crawling")
	flags.Bool("create-table", false, "create the database table before crawling")

	rootCmd.AddCommand(crawlCmd)
}

func runCrawl(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	applyCrawlFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Addr != "" {
		metricsSrv := metrics.NewServer(cfg.Metrics.Addr)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsSrv.Shutdown(shutdownCtx)
		}()
		logger.Info("metrics listening", zap.String("addr", cfg.Metrics.Addr))
	}

	clk := system.New()

	tracker, err := progress.Load(cfg.Progress, clk, logger)
	if err != nil {
		return err
	}
	if cfg.Crawl.ResetProgress {
		if err := tracker.Reset(); err != nil {
			return err
		}
	}

	var store *database.Store
	if cfg.DB.DSN != "" {
		store, err = database.Connect(ctx, cfg.DB.DSN, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		if cfg.Crawl.CreateTable {
			if err := store.CreateTable(ctx); err != nil {
				return err
			}
		}
	} else if cfg.Crawl.CreateTable {
		return fmt.Errorf("--create-table requires a database DSN")
	}

	client, err := fetch.NewClient(cfg.Portal, logger)
	if err != nil {
		return err
	}
	engine := fetch.NewEngine(client, logger)

	enumerator, err := enumerate.New(enumerate.Options{
		Start:         cfg.Crawl.Start,
		End:           cfg.Crawl.End,
		Resume:        cfg.Crawl.Resume,
		Warehouse:     cfg.Crawl.Warehouse,
		LookupRetries: cfg.Crawl.Retries,
		LookupBackoff: cfg.Crawl.BackoffInitial(),
	}, client, logger)
	if err != nil {
		return err
	}

	sink, err := writer.New(cfg.Crawl.OutputDir, logger)
	if err != nil {
		return err
	}

	var rowStore scheduler.RowStore
	if store != nil {
		rowStore = store
	}
	runner, err := scheduler.New(engine, sink, rowStore, tracker, clk, scheduler.Options{
		Workers: cfg.Crawl.Workers,
		Retry: scheduler.RetryPolicy{
			Attempts: cfg.Crawl.Retries,
			Initial:  cfg.Crawl.BackoffInitial(),
			Max:      cfg.Crawl.BackoffMax(),
		},
		OutputDir:    cfg.Crawl.OutputDir,
		SubtreeSkips: enumerator.SkippedSubtrees,
	}, logger)
	if err != nil {
		return err
	}

	logger.Info("crawl starting",
		zap.String("start", cfg.Crawl.Start),
		zap.String("end", cfg.Crawl.End),
		zap.String("resume", cfg.Crawl.Resume),
		zap.String("warehouse", cfg.Crawl.Warehouse),
		zap.Int("workers", cfg.Crawl.Workers),
		zap.String("output_dir", cfg.Crawl.OutputDir),
		zap.Bool("database", store != nil),
	)

	summary, err := runner.Run(ctx, enumerator.Units(ctx))
	if err != nil {
		logger.Warn("crawl interrupted", zap.Error(err))
	}
	if summary.Failed > 0 || summary.SkippedSubtrees > 0 {
		return fmt.Errorf("%d of %d units failed, %d location subtrees skipped; rerun to retry them",
			summary.Failed, summary.Units(), summary.SkippedSubtrees)
	}
	return err
}

// applyCrawlFlags overlays explicitly set flags onto the loaded config, so
// flags beat config file and environment.
func applyCrawlFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("start") {
		cfg.Crawl.Start, _ = flags.GetString("start")
	}
	if flags.Changed("end") {
		cfg.Crawl.End, _ = flags.GetString("end")
	}
	if flags.Changed("resume") {
		cfg.Crawl.Resume, _ = flags.GetString("resume")
	}
	if flags.Changed("warehouse") {
		cfg.Crawl.Warehouse, _ = flags.GetString("warehouse")
	}
	if flags.Changed("workers") {
		cfg.Crawl.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("retries") {
		cfg.Crawl.Retries, _ = flags.GetInt("retries")
	}
	if flags.Changed("output-dir") {
		cfg.Crawl.OutputDir, _ = flags.GetString("output-dir")
	}
	if flags.Changed("reset-progress") {
		cfg.Crawl.ResetProgress, _ = flags.GetBool("reset-progress")
	}
	if flags.Changed("create-table") {
		cfg.Crawl.CreateTable, _ = flags.GetBool("create-table")
	}
}
