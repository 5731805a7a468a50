// Package cmd wires the CLI: the crawl command that walks the portal and the
// convert command that flattens its output.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgfp-lmis/stock-crawler/internal/config"
	"github.com/dgfp-lmis/stock-crawler/internal/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "stock-crawler",
	Short: "Crawl and normalize DGFP family planning stock reports",
	Long: `stock-crawler walks the DGFP eLMIS portal month by month, warehouse by
warehouse, and lands one JSON document per union and commodity. Interrupted
runs resume from a progress file, and the convert command flattens the
documents into CSV for analysis.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional, YAML)")
}

// setup loads configuration and builds the logger shared by all commands.
func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, logger, nil
}
