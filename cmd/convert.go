package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dgfp-lmis/stock-crawler/internal/config"
	"github.com/dgfp-lmis/stock-crawler/internal/convert"
)

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Flatten crawled documents into CSV files",
	Long: `Convert walks a crawl output tree and writes wide CSV batches, one row
per facility record, plus a stats report. With --stats-only it computes the
report without writing any CSV.`,
	RunE: runConvert,
}

func init() {
	flags := convertCmd.Flags()
	flags.String("input", "", "crawl output directory to read")
	flags.String("output", "", "directory for CSV batches")
	flags.Int("batch-size", 0, "rows per CSV file")
	flags.Bool("stats-only", false, "compute stats without writing CSV")

	rootCmd.AddCommand(convertCmd)
}

func runConvert(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	applyConvertFlags(cmd, &cfg)

	converter, err := convert.New(cfg.Convert, logger)
	if err != nil {
		return err
	}

	stats, err := converter.Run(cmd.Context())
	if err != nil {
		return err
	}

	// The stats land on stdout so stats-only runs are pipeable.
	raw, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(raw))
	return nil
}

func applyConvertFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("input") {
		cfg.Convert.InputDir, _ = flags.GetString("input")
	}
	if flags.Changed("output") {
		cfg.Convert.OutputDir, _ = flags.GetString("output")
	}
	if flags.Changed("batch-size") {
		cfg.Convert.BatchSize, _ = flags.GetInt("batch-size")
	}
	if flags.Changed("stats-only") {
		cfg.Convert.StatsOnly, _ = flags.GetBool("stats-only")
	}
}
