package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// AppName names the XDG data directory
const AppName = "nvdharvest"

// APIKeyEnv is the environment variable holding the NVD API key
const APIKeyEnv = "NVD_API_KEY"

// Retry backoff strategies
const (
	BackoffConstant    = "constant"
	BackoffExponential = "exponential"
)

// Config represents the application configuration
type Config struct {
	Database    string   `yaml:"database"`
	Source      Source   `yaml:"source"`
	Ingest      Ingest   `yaml:"ingest"`
	Archive     S3Config `yaml:"archive"`
	MetricsAddr string   `yaml:"metrics_addr"`
	LogLevel    string   `yaml:"log_level"`
}

// Source configures the NVD API client
type Source struct {
	BaseURL              string `yaml:"base_url"`
	APIKey               string `yaml:"api_key"`
	PageSize             int    `yaml:"page_size"`
	RequestTimeoutMs     int    `yaml:"request_timeout_ms"`
	MinRequestIntervalMs int    `yaml:"min_request_interval_ms"`
}

// Ingest configures the ingestion loop
type Ingest struct {
	MaxRetries      int    `yaml:"max_retries"`
	Backoff         string `yaml:"backoff"`
	RetryDelayMs    int    `yaml:"retry_delay_ms"`
	MaxRetryDelayMs int    `yaml:"max_retry_delay_ms"`
	PageDelayMs     int    `yaml:"page_delay_ms"`
	ShowProgress    bool   `yaml:"show_progress"`
}

// S3Config represents the optional raw page archive
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Database: DefaultDatabasePath(),
		Source: Source{
			BaseURL:          "https://services.nvd.nist.gov/rest/json/cves/2.0",
			PageSize:         2000,
			RequestTimeoutMs: 60000,
		},
		Ingest: Ingest{
			MaxRetries:   3,
			Backoff:      BackoffConstant,
			RetryDelayMs: 10000,
			PageDelayMs:  5000,
			ShowProgress: true,
		},
		LogLevel: "info",
	}
}

// DefaultDatabasePath returns the database file under the XDG data directory.
// On Linux: ~/.local/share/nvdharvest/cve_database.db
func DefaultDatabasePath() string {
	return filepath.Join(xdg.DataHome, AppName, "cve_database.db")
}

// Load loads configuration from defaults, file, environment and command line flags,
// each layer overriding the previous one
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	loadFromEnv(cfg)

	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename) //nolint:gosec // user-provided config path is intentional
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, filename)
		}
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// loadFromEnv reads .env in the working directory, if any, then the process
// environment
func loadFromEnv(cfg *Config) {
	_ = godotenv.Load()

	if key := os.Getenv(APIKeyEnv); key != "" {
		cfg.Source.APIKey = key
	}
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if changed(flags, "database") {
		cfg.Database, _ = flags.GetString("database")
	}
	if changed(flags, "api-key") {
		cfg.Source.APIKey, _ = flags.GetString("api-key")
	}
	if changed(flags, "base-url") {
		cfg.Source.BaseURL, _ = flags.GetString("base-url")
	}
	if changed(flags, "page-size") {
		cfg.Source.PageSize, _ = flags.GetInt("page-size")
	}
	if changed(flags, "max-retries") {
		cfg.Ingest.MaxRetries, _ = flags.GetInt("max-retries")
	}
	if changed(flags, "backoff") {
		cfg.Ingest.Backoff, _ = flags.GetString("backoff")
	}
	if changed(flags, "retry-delay-ms") {
		cfg.Ingest.RetryDelayMs, _ = flags.GetInt("retry-delay-ms")
	}
	if changed(flags, "page-delay-ms") {
		cfg.Ingest.PageDelayMs, _ = flags.GetInt("page-delay-ms")
	}
	if changed(flags, "show-progress") {
		cfg.Ingest.ShowProgress, _ = flags.GetBool("show-progress")
	}
	if changed(flags, "metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if changed(flags, "log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	return nil
}

// changed reports whether name is defined on flags and was set by the user
func changed(flags *pflag.FlagSet, name string) bool {
	return flags.Lookup(name) != nil && flags.Changed(name)
}

func (c *Config) validate() error {
	if c.Database == "" {
		return ErrNoDatabase
	}
	if c.Source.PageSize <= 0 || c.Source.PageSize > 2000 {
		return ErrInvalidPageSize
	}
	if c.Source.RequestTimeoutMs <= 0 {
		return ErrInvalidTimeout
	}
	if c.Ingest.MaxRetries < 0 {
		return ErrInvalidRetries
	}
	switch c.Ingest.Backoff {
	case BackoffConstant, BackoffExponential:
	default:
		return ErrInvalidBackoff
	}
	if c.Ingest.RetryDelayMs < 0 || c.Ingest.MaxRetryDelayMs < 0 || c.Ingest.PageDelayMs < 0 || c.Source.MinRequestIntervalMs < 0 {
		return ErrInvalidDelay
	}
	if c.Archive.Endpoint != "" && c.Archive.Bucket == "" {
		return ErrNoArchiveBucket
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}
	return nil
}

// RetryDelay returns the delay between fetch retries
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Ingest.RetryDelayMs) * time.Millisecond
}

// MaxRetryDelay caps the exponential backoff delay; zero means no cap
func (c *Config) MaxRetryDelay() time.Duration {
	return time.Duration(c.Ingest.MaxRetryDelayMs) * time.Millisecond
}

// PageDelay returns the pause between committed pages
func (c *Config) PageDelay() time.Duration {
	return time.Duration(c.Ingest.PageDelayMs) * time.Millisecond
}

// RequestTimeout returns the HTTP timeout for one page request
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Source.RequestTimeoutMs) * time.Millisecond
}

// MinRequestInterval returns the minimum spacing between API requests
func (c *Config) MinRequestInterval() time.Duration {
	return time.Duration(c.Source.MinRequestIntervalMs) * time.Millisecond
}
