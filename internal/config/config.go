package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"crimelake/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the crimelake tools.
type Config struct {
	API      API      `yaml:"api"`
	Extract  Extract  `yaml:"extract"`
	Storage  Storage  `yaml:"storage"`
	R2       R2       `yaml:"r2" validate:"-"`
	Database Database `yaml:"database"`
	Logging  Logging  `yaml:"logging"`
}

// API describes the Socrata endpoint the extractor reads from.
type API struct {
	BaseURL         string        `yaml:"base_url" validate:"required,url"`
	AppToken        string        `yaml:"app_token"`
	FilterField     string        `yaml:"filter_field" validate:"required"`
	Limit           int           `yaml:"limit" validate:"gt=0"`
	HTTPTimeout     time.Duration `yaml:"http_timeout" validate:"gte=0"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min" validate:"gte=0"`
}

// Extract controls the day-by-day extraction loop.
type Extract struct {
	Pipeline string `yaml:"pipeline" validate:"required"`
	Dataset  string `yaml:"dataset" validate:"required"`
	Table    string `yaml:"table" validate:"required"`
	StartDay string `yaml:"start_day" validate:"required,datetime=2006-01-02"`
	Timezone string `yaml:"timezone" validate:"required"`
	Schedule string `yaml:"schedule"`
}

// Storage selects where Parquet output and extraction state live.
type Storage struct {
	Backend   string `yaml:"backend" validate:"oneof=local s3"`
	DataDir   string `yaml:"data_dir" validate:"required_if=Backend local"`
	StateKind string `yaml:"state" validate:"oneof=file sqlite"`
	StatePath string `yaml:"state_path" validate:"required_if=StateKind sqlite"`
}

// R2 holds credentials and bucket names for the S3-compatible object store.
type R2 struct {
	AccountID       string `yaml:"account_id" validate:"required_without=EndpointURL"`
	AccessKeyID     string `yaml:"access_key_id" validate:"required"`
	SecretAccessKey string `yaml:"secret_access_key" validate:"required"`
	EndpointURL     string `yaml:"endpoint_url" validate:"omitempty,url"`
	Region          string `yaml:"region"`
	BucketData      string `yaml:"bucket_data" validate:"required"`
	BucketRaw       string `yaml:"bucket_raw"`
}

// Endpoint returns the configured endpoint, or the R2 account endpoint
// derived from AccountID.
func (r R2) Endpoint() string {
	if r.EndpointURL != "" {
		return r.EndpointURL
	}
	if r.AccountID == "" {
		return ""
	}
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", r.AccountID)
}

// RawBucket returns the bucket extracted Parquet files live in: BucketRaw,
// or BucketData when no separate raw bucket is configured.
func (r R2) RawBucket() string {
	if r.BucketRaw != "" {
		return r.BucketRaw
	}
	return r.BucketData
}

// Database points at the local analytical database file.
type Database struct {
	Path  string `yaml:"path"`
	Table string `yaml:"table"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns a Config with every optional field filled in.
func Default() *Config {
	return &Config{
		API: API{
			BaseURL:     "https://data.cityofchicago.org/resource/crimes.json",
			FilterField: "updated_on",
			Limit:       domain.DefaultLimit,
		},
		Extract: Extract{
			Pipeline: "chicago_crimes",
			Dataset:  "chicago_crimes",
			Table:    "crimes",
			StartDay: "2024-10-25",
			Timezone: "America/Chicago",
		},
		Storage: Storage{
			Backend:   "local",
			DataDir:   "data",
			StateKind: "file",
		},
		R2: R2{
			Region: "auto",
		},
		Database: Database{
			Path:  "chicago_crimes.db",
			Table: "raw_crimes",
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML configuration file at the given path on top of the
// defaults, and then applies environment variable overrides. The result is
// not validated; call Validate once at startup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults
// (still subject to environment overrides).
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		applyEnvOverrides(cfg)
		return cfg, nil
	}
	return Load(path)
}

// Path returns the configuration file path, honouring $CRIMELAKE_CONFIG.
func Path() string {
	if p := os.Getenv("CRIMELAKE_CONFIG"); p != "" {
		return p
	}
	return "config/crimelake.yaml"
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set. Later entries win,
// so the prefixed names take priority over the bare config.env names.
func applyEnvOverrides(cfg *Config) {
	set := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
			}
		}
	}

	set(&cfg.API.BaseURL, "API_BASE_URL")
	set(&cfg.API.AppToken, "SOCRATA_APP_TOKEN")
	if v := os.Getenv("API_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.API.Limit = n
		}
	}

	set(&cfg.Extract.StartDay, "START_DAY")
	set(&cfg.Extract.Timezone, "EXTRACT_TZ")

	set(&cfg.Storage.Backend, "STORAGE_BACKEND")
	set(&cfg.Storage.DataDir, "DATA_DIR")
	set(&cfg.Storage.StatePath, "STATE_PATH")

	set(&cfg.R2.AccountID, "account_id", "R2_ACCOUNT_ID")
	set(&cfg.R2.AccessKeyID, "access_key_id", "R2_ACCESS_KEY_ID")
	set(&cfg.R2.SecretAccessKey, "secret_access_key", "R2_SECRET_ACCESS_KEY")
	set(&cfg.R2.EndpointURL, "endpoint_url", "R2_ENDPOINT_URL")
	set(&cfg.R2.BucketData, "bucket_data", "R2_BUCKET_DATA")
	set(&cfg.R2.BucketRaw, "bucket_raw", "R2_BUCKET_RAW")

	set(&cfg.Database.Path, "DATABASE_PATH")

	set(&cfg.Logging.Level, "LOG_LEVEL")
}
