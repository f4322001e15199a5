// Package config loads dwhload settings from (lowest to highest precedence)
// built-in defaults, an optional YAML file, an optional .env file, the process
// environment and command-line flags.
//
// Environment variables use the TP_ prefix with dots replaced by underscores
// (storage.host -> TP_STORAGE_HOST). The legacy names TP_SQL_SERVER, TP_DB_DWH
// and TP_DWH_SCHEMA are still honored.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/vbyelov/turning-pages-etl/internal/load"
	"github.com/vbyelov/turning-pages-etl/internal/staging"
	"github.com/vbyelov/turning-pages-etl/internal/storage"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "TP"

// Config holds all configuration for dwhload.
type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	Staging StagingConfig `mapstructure:"staging"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Load    LoadConfig    `mapstructure:"load"`
}

// StorageConfig selects the warehouse backend and how to reach it.
type StorageConfig struct {
	// Kind is one of postgres, mssql, sqlite (aliases postgresql, sqlserver).
	Kind string `mapstructure:"kind"`

	// DSN, when set, is used verbatim and the component fields are ignored.
	DSN string `mapstructure:"dsn"`

	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	Schema   string `mapstructure:"schema"`

	// Params are extra URL-encoded driver parameters (k=v&k2=v2).
	Params string `mapstructure:"params"`

	// SSLMode applies to postgres, Encrypt to mssql.
	SSLMode string `mapstructure:"sslmode"`
	Encrypt string `mapstructure:"encrypt"`

	// Path is the sqlite database file.
	Path string `mapstructure:"path"`
}

// StagingConfig locates the staged run to load.
type StagingConfig struct {
	// Root is the local directory holding one subdirectory per run.
	Root string `mapstructure:"root"`

	// Run pins a specific run name. Empty means the latest run under Root
	// (or under the S3 prefix).
	Run string `mapstructure:"run"`

	S3 S3Config `mapstructure:"s3"`
}

// S3Config points staging at an S3-compatible bucket. It is active when
// Bucket is non-empty.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`

	// File, when set, additionally writes JSON logs to a rotating file.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// MetricsConfig selects the metrics backend.
type MetricsConfig struct {
	// Backend is one of none, pushgateway, datadog (alias dd). Empty means none.
	Backend        string        `mapstructure:"backend"`
	PushgatewayURL string        `mapstructure:"pushgateway_url"`
	Job            string        `mapstructure:"job"`
	Tags           string        `mapstructure:"tags"`
	FlushEvery     time.Duration `mapstructure:"flush_every"`
}

// LoadConfig holds load-run options.
type LoadConfig struct {
	// Only restricts the run to one stage; empty runs the whole pipeline.
	Only string `mapstructure:"only"`
}

// DefaultConfig returns a Config with default values. The storage defaults
// match the historical SQL Server deployment.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Kind:     "mssql",
			Host:     "localhost",
			Database: "TurningPages_DWH",
			Schema:   storage.DefaultSchema,
			Encrypt:  "disable",
			SSLMode:  "disable",
			Path:     "dwh.db",
		},
		Staging: StagingConfig{
			Root: filepath.Join("data", "transform"),
		},
		Log: LogConfig{
			Level:      "info",
			Pretty:     true,
			MaxSizeMB:  50,
			MaxBackups: 5,
		},
		Metrics: MetricsConfig{
			Backend:        "none",
			PushgatewayURL: "http://localhost:9091",
			Job:            "dwhload",
			FlushEvery:     60 * time.Second,
		},
	}
}

// legacyEnv maps config keys to the environment names used before the TP_
// key scheme existed. The derived TP_* name still takes precedence.
var legacyEnv = map[string]string{
	"storage.host":     "TP_SQL_SERVER",
	"storage.database": "TP_DB_DWH",
	"storage.schema":   "TP_DWH_SCHEMA",
}

// FlagKeys maps command-line flag names to config keys. Load binds every flag
// in this table that is present in the supplied flag set.
var FlagKeys = map[string]string{
	"storage":         "storage.kind",
	"dsn":             "storage.dsn",
	"schema":          "storage.schema",
	"staging-root":    "staging.root",
	"run":             "staging.run",
	"log-level":       "log.level",
	"log-file":        "log.file",
	"metrics-backend": "metrics.backend",
	"pushgateway-url": "metrics.pushgateway_url",
	"only":            "load.only",
}

// Options control where Load looks for settings.
type Options struct {
	// File is an explicit YAML config path. Empty searches ./dwhload.yaml and
	// ~/.config/dwhload/config.yaml; a missing file is not an error.
	File string

	// EnvFile is a dotenv file merged into the environment without
	// overriding variables that are already set. A missing file is ignored.
	EnvFile string

	// Flags, when non-nil, supplies flag overrides (see FlagKeys).
	Flags *pflag.FlagSet
}

// Load builds the effective configuration.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error reading env file %s: %w", opts.EnvFile, err)
		}
	}

	v := viper.New()
	v.SetConfigType("yaml")

	file := opts.File
	if file == "" {
		file = findConfigFile()
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		derived := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, derived, legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", legacy, err)
		}
	}

	if opts.Flags != nil {
		for name, key := range FlagKeys {
			f := opts.Flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag --%s: %w", name, err)
			}
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first existing default config location, or "".
func findConfigFile() string {
	candidates := []string{"dwhload.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "dwhload", "config.yaml"))
	}
	for _, c := range candidates {
		if fi, err := os.Stat(c); err == nil && !fi.IsDir() {
			return c
		}
	}
	return ""
}

// setDefaults registers every key so that AutomaticEnv can resolve it during
// Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("storage.kind", d.Storage.Kind)
	v.SetDefault("storage.dsn", d.Storage.DSN)
	v.SetDefault("storage.host", d.Storage.Host)
	v.SetDefault("storage.port", d.Storage.Port)
	v.SetDefault("storage.user", d.Storage.User)
	v.SetDefault("storage.password", d.Storage.Password)
	v.SetDefault("storage.database", d.Storage.Database)
	v.SetDefault("storage.schema", d.Storage.Schema)
	v.SetDefault("storage.params", d.Storage.Params)
	v.SetDefault("storage.sslmode", d.Storage.SSLMode)
	v.SetDefault("storage.encrypt", d.Storage.Encrypt)
	v.SetDefault("storage.path", d.Storage.Path)

	v.SetDefault("staging.root", d.Staging.Root)
	v.SetDefault("staging.run", d.Staging.Run)
	v.SetDefault("staging.s3.endpoint", d.Staging.S3.Endpoint)
	v.SetDefault("staging.s3.bucket", d.Staging.S3.Bucket)
	v.SetDefault("staging.s3.prefix", d.Staging.S3.Prefix)
	v.SetDefault("staging.s3.access_key", d.Staging.S3.AccessKey)
	v.SetDefault("staging.s3.secret_key", d.Staging.S3.SecretKey)
	v.SetDefault("staging.s3.region", d.Staging.S3.Region)
	v.SetDefault("staging.s3.use_ssl", d.Staging.S3.UseSSL)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pretty", d.Log.Pretty)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)

	v.SetDefault("metrics.backend", d.Metrics.Backend)
	v.SetDefault("metrics.pushgateway_url", d.Metrics.PushgatewayURL)
	v.SetDefault("metrics.job", d.Metrics.Job)
	v.SetDefault("metrics.tags", d.Metrics.Tags)
	v.SetDefault("metrics.flush_every", d.Metrics.FlushEvery)

	v.SetDefault("load.only", d.Load.Only)
}

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []error

	switch NormalizeKind(c.Storage.Kind) {
	case "postgres", "mssql", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("storage.kind %q must be one of postgres, mssql, sqlite", c.Storage.Kind))
	}
	if strings.TrimSpace(c.Storage.Schema) == "" {
		errs = append(errs, errors.New("storage.schema is required"))
	}

	if c.Staging.S3.Bucket == "" && strings.TrimSpace(c.Staging.Root) == "" {
		errs = append(errs, errors.New("staging.root is required when staging.s3.bucket is empty"))
	}
	if c.Staging.S3.Bucket != "" && c.Staging.S3.Endpoint == "" {
		errs = append(errs, errors.New("staging.s3.endpoint is required when staging.s3.bucket is set"))
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level %q is not a valid level", c.Log.Level))
	}

	switch strings.ToLower(strings.TrimSpace(c.Metrics.Backend)) {
	case "", "none", "noop", "pushgateway", "prom", "prometheus":
	case "datadog", "dd":
		if c.Metrics.FlushEvery <= 0 {
			errs = append(errs, errors.New("metrics.flush_every must be positive for datadog"))
		}
	default:
		errs = append(errs, fmt.Errorf("metrics.backend %q must be one of none, pushgateway, datadog", c.Metrics.Backend))
	}

	if _, err := load.ParseStage(c.Load.Only); err != nil {
		errs = append(errs, fmt.Errorf("load.only: %w", err))
	}

	return errors.Join(errs...)
}

// Warehouse returns the storage.Config used to open the warehouse.
func (c *Config) Warehouse() (storage.Config, error) {
	dsn, err := c.Storage.ResolveDSN()
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Kind:   NormalizeKind(c.Storage.Kind),
		DSN:    dsn,
		Schema: c.Storage.Schema,
	}, nil
}

// UsesObjectStore reports whether staging reads from S3 rather than Root.
func (s StagingConfig) UsesObjectStore() bool {
	return s.S3.Bucket != ""
}

// Object converts the S3 settings into a staging.ObjectConfig.
func (s StagingConfig) Object() staging.ObjectConfig {
	return staging.ObjectConfig{
		Endpoint:  s.S3.Endpoint,
		Bucket:    s.S3.Bucket,
		Prefix:    s.S3.Prefix,
		AccessKey: s.S3.AccessKey,
		SecretKey: s.S3.SecretKey,
		Region:    s.S3.Region,
		UseSSL:    s.S3.UseSSL,
	}
}
