// Package config loads daemon configuration from .env files, OFFLINE_* environment
// variables, an optional config file and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "OFFLINE"

// Config is the daemon configuration. Size fields are bytes; in the environment
// and config file they accept humanized values such as "45MiB".
type Config struct {
	DataDir    string `mapstructure:"DATA_DIR"`
	CacheDir   string `mapstructure:"CACHE_DIR"`
	BackendURL string `mapstructure:"BACKEND_URL"`
	ListenAddr string `mapstructure:"LISTEN_ADDR"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`

	// Sync queue
	MaxRetries      int           `mapstructure:"MAX_RETRIES"`
	BaseDelay       time.Duration `mapstructure:"BASE_DELAY"`
	ExhaustedPolicy string        `mapstructure:"EXHAUSTED_POLICY"`
	ReplayTimeout   time.Duration `mapstructure:"REPLAY_TIMEOUT"`

	// Background trigger
	QueueInterval time.Duration `mapstructure:"QUEUE_INTERVAL"`
	ProbeInterval time.Duration `mapstructure:"PROBE_INTERVAL"`
	ProbePath     string        `mapstructure:"PROBE_PATH"`

	// Cache
	EvictionThreshold  int64 `mapstructure:"-"`
	MaxCacheSize       int64 `mapstructure:"-"`
	EstimatedEntrySize int64 `mapstructure:"-"`
	DiskQuota          int64 `mapstructure:"-"`
	EvictionBatchSize  int   `mapstructure:"EVICTION_BATCH_SIZE"`

	// Previews
	ThumbnailWidth   int `mapstructure:"THUMBNAIL_WIDTH"`
	ThumbnailHeight  int `mapstructure:"THUMBNAIL_HEIGHT"`
	ThumbnailWorkers int `mapstructure:"THUMBNAIL_WORKERS"`

	MetricsEnabled bool `mapstructure:"METRICS_ENABLED"`
}

var defaults = map[string]interface{}{
	"DATA_DIR":             "./data",
	"CACHE_DIR":            "",
	"BACKEND_URL":          "http://localhost:8090",
	"LISTEN_ADDR":          "127.0.0.1:8091",
	"LOG_LEVEL":            "INFO",
	"MAX_RETRIES":          5,
	"BASE_DELAY":           "1s",
	"EXHAUSTED_POLICY":     "drop",
	"REPLAY_TIMEOUT":       "30s",
	"QUEUE_INTERVAL":       "1m",
	"PROBE_INTERVAL":       "30s",
	"PROBE_PATH":           "/api/health",
	"EVICTION_THRESHOLD":   "45MiB",
	"MAX_CACHE_SIZE":       "50MiB",
	"ESTIMATED_ENTRY_SIZE": "1MiB",
	"DISK_QUOTA":           "0",
	"EVICTION_BATCH_SIZE":  20,
	"THUMBNAIL_WIDTH":      256,
	"THUMBNAIL_HEIGHT":     256,
	"THUMBNAIL_WORKERS":    2,
	"METRICS_ENABLED":      true,
}

// LoadEnvFiles loads the given .env files that exist. Variables already set in
// the environment win.
func LoadEnvFiles(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// NewViper returns a viper instance with defaults and OFFLINE_* env binding.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetDefault("CONFIG_FILE", "")
	return v
}

// BindFlags registers the command-line flags on fs and binds them into v.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.String("config", "", "config file (yaml, json or toml)")
	fs.String("data-dir", "", "directory for the offline database")
	fs.String("cache-dir", "", "directory for cache buckets (default <data-dir>/cache)")
	fs.String("backend-url", "", "base URL mutations are replayed against")
	fs.String("listen", "", "status server listen address")
	fs.String("log-level", "", "DEBUG, INFO, WARN or ERROR")
	fs.String("exhausted-policy", "", "drop or dead_letter")

	bindings := map[string]string{
		"CONFIG_FILE":      "config",
		"DATA_DIR":         "data-dir",
		"CACHE_DIR":        "cache-dir",
		"BACKEND_URL":      "backend-url",
		"LISTEN_ADDR":      "listen",
		"LOG_LEVEL":        "log-level",
		"EXHAUSTED_POLICY": "exhausted-policy",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the optional config file and returns the validated configuration.
func Load(v *viper.Viper) (*Config, error) {
	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	sizes := []struct {
		key string
		dst *int64
	}{
		{"EVICTION_THRESHOLD", &cfg.EvictionThreshold},
		{"MAX_CACHE_SIZE", &cfg.MaxCacheSize},
		{"ESTIMATED_ENTRY_SIZE", &cfg.EstimatedEntrySize},
		{"DISK_QUOTA", &cfg.DiskQuota},
	}
	for _, s := range sizes {
		n, err := humanize.ParseBytes(v.GetString(s.key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", s.key, err)
		}
		*s.dst = int64(n)
	}

	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(cfg.DataDir, "cache")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("DATA_DIR is required"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("MAX_RETRIES must not be negative"))
	}
	if c.BaseDelay <= 0 {
		errs = append(errs, errors.New("BASE_DELAY must be positive"))
	}
	if c.ExhaustedPolicy != "drop" && c.ExhaustedPolicy != "dead_letter" {
		errs = append(errs, fmt.Errorf("EXHAUSTED_POLICY must be drop or dead_letter, got %q", c.ExhaustedPolicy))
	}
	if c.MaxCacheSize <= 0 {
		errs = append(errs, errors.New("MAX_CACHE_SIZE must be positive"))
	}
	if c.EvictionThreshold > c.MaxCacheSize {
		errs = append(errs, errors.New("EVICTION_THRESHOLD must not exceed MAX_CACHE_SIZE"))
	}
	if c.EvictionBatchSize <= 0 {
		errs = append(errs, errors.New("EVICTION_BATCH_SIZE must be positive"))
	}
	return errors.Join(errs...)
}
