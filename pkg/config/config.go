// Package config loads and validates the strata configuration file and
// supports hot-reloading it on change.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML string parsing ("30s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// StorageConfig configures the on-disk content store.
type StorageConfig struct {
	// WorkDir is the root directory for cached data.
	WorkDir string `yaml:"work_dir" validate:"required"`

	// Compression names the backend for new entries.
	Compression string `yaml:"compression" validate:"omitempty,oneof=gzip zstd"`

	// Checksum names the algorithm for new entries.
	Checksum string `yaml:"checksum" validate:"omitempty,oneof=sha256 xxh64"`

	// VerifyChecksums enables checksum verification on load.
	VerifyChecksums bool `yaml:"verify_checksums"`

	// LockTimeout bounds how long a save waits for a per-key lock.
	LockTimeout Duration `yaml:"lock_timeout"`

	// LockRetryDelay is the poll interval while waiting for a lock.
	LockRetryDelay Duration `yaml:"lock_retry_delay"`

	// StaleLockAge is the age after which orphaned locks are reclaimed.
	StaleLockAge Duration `yaml:"stale_lock_age"`
}

// CatalogConfig configures the SQLite run catalog.
type CatalogConfig struct {
	// Enabled controls whether saves are recorded in the catalog.
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database file. Defaults to a catalog.db inside
	// the work dir.
	Path string `yaml:"path"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
	Output string `yaml:"output"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	Path          string `yaml:"path"`
}

// TracingConfig configures tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter" validate:"omitempty,oneof=stdout none"`
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
}

// Config is the root strata configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage" validate:"required"`
	Catalog CatalogConfig `yaml:"catalog"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`

	// Options are producer option overrides applied to the engine
	// context. Only options a producer declares take effect.
	Options map[string]interface{} `yaml:"options"`
}

// Default returns the configuration defaults applied before parsing.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Compression:    "",
			Checksum:       "sha256",
			LockTimeout:    Duration(30 * time.Second),
			LockRetryDelay: Duration(50 * time.Millisecond),
			StaleLockAge:   Duration(10 * time.Minute),
		},
		Catalog: CatalogConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: ":9090",
			Path:          "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "stdout",
			SamplingRate: 1.0,
		},
	}
}

// Load reads, parses, and validates the configuration file at path.
// Missing fields keep their defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(raw)
}

// Parse parses and validates raw YAML configuration.
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration against its declared constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
