package config

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix prefixes every environment variable override.
	EnvPrefix = "PERFSTAT"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultDelimiter is the default field separator of aggregate logs.
	DefaultDelimiter = `\t`

	// DefaultAggregateFileParam is the build parameter naming the aggregate log artifact.
	DefaultAggregateFileParam = "perfTest.agg.artifact.name"

	// DefaultListen is the default API listen address.
	DefaultListen = ":8080"

	// DefaultMetricsPath is the default path of the Prometheus handler.
	DefaultMetricsPath = "/metrics"

	// DefaultS3Region is used when no S3 region is configured.
	DefaultS3Region = "us-east-1"
)

// Config is the root configuration for perfstat.
type Config struct {
	Global  GlobalConfig  `yaml:"global" mapstructure:"global"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`
	API     APIConfig     `yaml:"api" mapstructure:"api"`
	Index   IndexConfig   `yaml:"index" mapstructure:"index"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// LogConfig describes the aggregate performance log format.
type LogConfig struct {
	// Delimiter is a regular expression separating fields.
	Delimiter string `yaml:"delimiter" mapstructure:"delimiter"`
	// AggregateFileParam names the build parameter holding the log artifact name.
	AggregateFileParam string `yaml:"aggregate_file_param" mapstructure:"aggregate_file_param"`
}

// StorageConfig selects where builds and their artifacts are read from.
// Only one backend may be enabled at a time.
type StorageConfig struct {
	Local LocalStorageConfig `yaml:"local" mapstructure:"local"`
	S3    S3Config           `yaml:"s3" mapstructure:"s3"`
}

// LocalStorageConfig reads builds from {dir}/builds/{id}.
type LocalStorageConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Dir     string `yaml:"dir" mapstructure:"dir"`
}

// S3Config reads builds from {bucket}/{prefix}/builds/{id}.
type S3Config struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// APIConfig contains HTTP server settings.
type APIConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// IndexConfig configures the per-build summary index.
type IndexConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Timeout time.Duration `yaml:"timeout,omitempty" mapstructure:"timeout"`

	// Interval between backfill passes over stored builds. Zero disables
	// backfilling; rebuilds are still exported.
	Interval    time.Duration  `yaml:"interval,omitempty" mapstructure:"interval"`
	Concurrency int            `yaml:"concurrency,omitempty" mapstructure:"concurrency"`
	Database    DatabaseConfig `yaml:"database" mapstructure:"database"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// MetricsConfig configures the Prometheus handler.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// defaults registers every known key so that environment overrides apply
// even when the key is absent from the config file.
var defaults = map[string]any{
	"global.log_level":                   DefaultLogLevel,
	"log.delimiter":                      DefaultDelimiter,
	"log.aggregate_file_param":           DefaultAggregateFileParam,
	"storage.local.enabled":              false,
	"storage.local.dir":                  "",
	"storage.s3.enabled":                 false,
	"storage.s3.endpoint_url":            "",
	"storage.s3.region":                  DefaultS3Region,
	"storage.s3.bucket":                  "",
	"storage.s3.prefix":                  "",
	"storage.s3.access_key_id":           "",
	"storage.s3.secret_access_key":       "",
	"storage.s3.force_path_style":        false,
	"api.listen":                         DefaultListen,
	"api.rate_limit.enabled":             false,
	"api.rate_limit.requests_per_minute": 600,
	"index.enabled":                      false,
	"index.timeout":                      "30s",
	"index.interval":                     "5m",
	"index.concurrency":                  4,
	"index.database.driver":              "sqlite",
	"index.database.sqlite.path":         "perfstat.db",
	"index.database.postgres.host":       "",
	"index.database.postgres.port":       5432,
	"index.database.postgres.user":       "",
	"index.database.postgres.password":   "",
	"index.database.postgres.database":   "",
	"index.database.postgres.ssl_mode":   "disable",
	"metrics.enabled":                    true,
	"metrics.path":                       DefaultMetricsPath,
}

// Load reads a configuration file, applying defaults and PERFSTAT_*
// environment overrides. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := regexp.Compile(c.Log.Delimiter); err != nil {
		return fmt.Errorf("log.delimiter: %w", err)
	}

	if c.Log.AggregateFileParam == "" {
		return errors.New("log.aggregate_file_param is required")
	}

	if c.Storage.Local.Enabled && c.Storage.S3.Enabled {
		return errors.New("only one storage backend (local or s3) may be enabled")
	}

	if c.Storage.Local.Enabled && c.Storage.Local.Dir == "" {
		return errors.New("storage.local.dir is required when local storage is enabled")
	}

	if c.Storage.S3.Enabled && c.Storage.S3.Bucket == "" {
		return errors.New("storage.s3.bucket is required when s3 storage is enabled")
	}

	if c.API.RateLimit.Enabled && c.API.RateLimit.RequestsPerMinute <= 0 {
		return errors.New("api.rate_limit.requests_per_minute must be positive")
	}

	if c.Index.Enabled {
		if c.Index.Interval < 0 {
			return errors.New("index.interval must not be negative")
		}

		switch c.Index.Database.Driver {
		case "sqlite":
			if c.Index.Database.SQLite.Path == "" {
				return errors.New("index.database.sqlite.path is required")
			}
		case "postgres":
			if c.Index.Database.Postgres.Host == "" {
				return errors.New("index.database.postgres.host is required")
			}
		default:
			return fmt.Errorf("unsupported index database driver %q", c.Index.Database.Driver)
		}
	}

	return nil
}

// HasStorage reports whether a storage backend is enabled.
func (c *Config) HasStorage() bool {
	return c.Storage.Local.Enabled || c.Storage.S3.Enabled
}

const redacted = "<redacted>"

// Redacted returns a copy of the configuration with credentials masked.
func (c *Config) Redacted() *Config {
	out := *c

	if out.Storage.S3.AccessKeyID != "" {
		out.Storage.S3.AccessKeyID = redacted
	}

	if out.Storage.S3.SecretAccessKey != "" {
		out.Storage.S3.SecretAccessKey = redacted
	}

	if out.Index.Database.Postgres.Password != "" {
		out.Index.Database.Postgres.Password = redacted
	}

	out.API.CORSOrigins = append([]string(nil), c.API.CORSOrigins...)

	return &out
}

// WriteYAML writes the effective configuration with credentials masked.
func (c *Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(c.Redacted()); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return enc.Close()
}
