package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the quantdata services.
type Config struct {
	Storage Storage       `yaml:"storage"`
	Logging Logging       `yaml:"logging"`
	History HistoryConfig `yaml:"history"`
	Yahoo   YahooConfig   `yaml:"yahoo"`
	Polygon PolygonConfig `yaml:"polygon"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Poll    PollConfig    `yaml:"poll"`
	Refresh RefreshConfig `yaml:"refresh"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	LedgerPath string `yaml:"ledger_path"`
	MetadataDB string `yaml:"metadata_db"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HistoryConfig defines the full historical window a backfilled ticker
// must cover.
type HistoryConfig struct {
	StartDate string `yaml:"start_date"` // YYYY-MM-DD
}

// YahooConfig holds parameters for the primary provider.
type YahooConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// PolygonConfig holds credentials and limits for the secondary provider.
type PolygonConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	WindowYears    int    `yaml:"window_years"`
	CallsPerMinute int    `yaml:"calls_per_minute"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// FetchConfig controls orchestrator behaviour.
type FetchConfig struct {
	BatchConcurrency int `yaml:"batch_concurrency"`
}

// PollConfig controls the live poll scheduler.
type PollConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

// RefreshConfig drives the daemon's scheduled refresh.
type RefreshConfig struct {
	// Cron is a six-field cron spec (with seconds) in the daemon's local
	// time. Empty disables the scheduled refresh.
	Cron      string   `yaml:"cron"`
	Watchlist []string `yaml:"watchlist"`
}

// HistoryStart parses the configured start date. A zero time means no
// window floor is configured.
func (c *Config) HistoryStart() (time.Time, error) {
	if c.History.StartDate == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", c.History.StartDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing history.start_date: %w", err)
	}
	return t, nil
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("LEDGER_PATH"); v != "" {
		cfg.Storage.LedgerPath = v
	}
	if v := os.Getenv("METADATA_DB"); v != "" {
		cfg.Storage.MetadataDB = v
	}

	if v := os.Getenv("POLYGON_API_KEY"); v != "" {
		cfg.Polygon.APIKey = v
	}
	if v := os.Getenv("POLYGON_BASE_URL"); v != "" {
		cfg.Polygon.BaseURL = v
	}
	if v := os.Getenv("POLYGON_CALLS_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Polygon.CallsPerMinute = n
		}
	}

	if v := os.Getenv("YAHOO_BASE_URL"); v != "" {
		cfg.Yahoo.BaseURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
