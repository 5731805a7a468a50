// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper. It is built once
// at startup and passed by value into the components that need it; nothing
// reads Viper ambiently after Load returns.
type Config struct {
	Portal   PortalConfig   `mapstructure:"portal"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Progress ProgressConfig `mapstructure:"progress"`
	Convert  ConvertConfig  `mapstructure:"convert"`
	DB       DBConfig       `mapstructure:"db"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// PortalConfig describes the reporting portal endpoint and request shaping.
type PortalConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	ReportBaseURL  string `mapstructure:"report_base_url"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	DelayMinMs     int    `mapstructure:"delay_min_ms"`
	DelayMaxMs     int    `mapstructure:"delay_max_ms"`
}

// CrawlConfig governs the crawl range, pool sizing, and retry budget.
type CrawlConfig struct {
	Start            string `mapstructure:"start"`
	End              string `mapstructure:"end"`
	Resume           string `mapstructure:"resume"`
	Warehouse        string `mapstructure:"warehouse"`
	Workers          int    `mapstructure:"workers"`
	Retries          int    `mapstructure:"retries"`
	OutputDir        string `mapstructure:"output_dir"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	ResetProgress    bool   `mapstructure:"reset_progress"`
	CreateTable      bool   `mapstructure:"create_table"`
}

// ProgressConfig controls the durable per-host checkpoint file.
type ProgressConfig struct {
	Dir        string `mapstructure:"dir"`
	FlushEvery int    `mapstructure:"flush_every"`
}

// ConvertConfig drives the JSON-to-CSV batch pass.
type ConvertConfig struct {
	InputDir  string `mapstructure:"input_dir"`
	OutputDir string `mapstructure:"output_dir"`
	BatchSize int    `mapstructure:"batch_size"`
	StatsOnly bool   `mapstructure:"stats_only"`
}

// DBConfig controls the optional relational sink. An empty DSN disables it.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// MetricsConfig controls the Prometheus scrape endpoint. An empty address
// disables the listener.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("portal.base_url", "https://elmis.dgfp.gov.bd/dgfplmis_reports/")
	v.SetDefault("portal.report_base_url", "https://scmpbd.org/scip/")
	v.SetDefault("portal.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/100.0.4896.127 Safari/537.36")
	v.SetDefault("portal.timeout_seconds", 30)
	v.SetDefault("portal.delay_min_ms", 500)
	v.SetDefault("portal.delay_max_ms", 1500)
	v.SetDefault("crawl.start", "2016-12")
	v.SetDefault("crawl.end", "2025-01")
	v.SetDefault("crawl.resume", "")
	v.SetDefault("crawl.warehouse", "")
	v.SetDefault("crawl.reset_progress", false)
	v.SetDefault("crawl.create_table", false)
	v.SetDefault("crawl.workers", 1)
	v.SetDefault("crawl.retries", 5)
	v.SetDefault("crawl.output_dir", "family_planning_data")
	v.SetDefault("crawl.backoff_initial_ms", 1000)
	v.SetDefault("crawl.backoff_max_ms", 30000)
	v.SetDefault("progress.dir", ".")
	v.SetDefault("progress.flush_every", 10)
	v.SetDefault("convert.input_dir", "family_planning_data")
	v.SetDefault("convert.output_dir", "csv_output")
	v.SetDefault("convert.batch_size", 1000)
	v.SetDefault("convert.stats_only", false)
	v.SetDefault("db.dsn", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits. Anything caught
// here is a configuration error: fatal before any work starts.
func (c Config) Validate() error {
	if c.Portal.BaseURL == "" {
		return fmt.Errorf("portal.base_url must be set")
	}
	if c.Portal.TimeoutSeconds <= 0 {
		return fmt.Errorf("portal.timeout_seconds must be > 0")
	}
	if c.Crawl.Workers <= 0 {
		return fmt.Errorf("crawl.workers must be > 0")
	}
	if c.Crawl.Retries <= 0 {
		return fmt.Errorf("crawl.retries must be > 0")
	}
	if c.Crawl.OutputDir == "" {
		return fmt.Errorf("crawl.output_dir must be set")
	}
	if c.Progress.FlushEvery <= 0 {
		return fmt.Errorf("progress.flush_every must be > 0")
	}
	if c.Convert.BatchSize <= 0 {
		return fmt.Errorf("convert.batch_size must be > 0")
	}
	if c.Portal.DelayMinMs > c.Portal.DelayMaxMs {
		return fmt.Errorf("portal.delay_min_ms must be <= portal.delay_max_ms")
	}
	return nil
}

// RequestTimeout converts the portal timeout into a duration.
func (c PortalConfig) RequestTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BackoffInitial returns the base delay for the retry loop.
func (c CrawlConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the backoff cap.
func (c CrawlConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}
