// Package dbconfig loads the YAML configuration file the idbmanagerd
// daemon starts from: a struct tree tagged with yaml keys, defaults
// filled in before the file is read, then per-field environment
// variable overrides applied on top.
package dbconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	DataDir          string        `yaml:"data_dir" env:"IDB_DATA_DIR"`
	Workers          int           `yaml:"workers" env:"IDB_WORKERS"`
	ValueCodec       string        `yaml:"value_codec" env:"IDB_VALUE_CODEC"`
	CompressMinBytes int           `yaml:"compress_min_bytes" env:"IDB_COMPRESS_MIN_BYTES"`
	LogLevel         string        `yaml:"log_level" env:"IDB_LOG_LEVEL"`
	LogFormat        string        `yaml:"log_format" env:"IDB_LOG_FORMAT"`
	MetricsAddr      string        `yaml:"metrics_addr" env:"IDB_METRICS_ADDR"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" env:"IDB_SHUTDOWN_TIMEOUT"`
}

// Default returns the configuration idbmanagerd starts from before any
// file or environment override is applied.
func Default() *Config {
	return &Config{
		DataDir:          "./data/IndexedDB",
		Workers:          8,
		ValueCodec:       "none",
		CompressMinBytes: 1024,
		LogLevel:         "info",
		LogFormat:        "json",
		MetricsAddr:      ":9090",
		ShutdownTimeout:  10 * time.Second,
	}
}

// Load reads a YAML file at path into a Default config, then applies any
// IDB_* environment overrides on top. A missing file is not an error: the
// defaults (plus env overrides) are used as-is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("dbconfig: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("dbconfig: parse %s: %w", path, err)
		}
	}

	cfg.loadFromEnv()
	return cfg, cfg.Validate()
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("IDB_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("IDB_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers = n
		}
	}
	if v := os.Getenv("IDB_VALUE_CODEC"); v != "" {
		c.ValueCodec = v
	}
	if v := os.Getenv("IDB_COMPRESS_MIN_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CompressMinBytes = n
		}
	}
	if v := os.Getenv("IDB_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("IDB_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("IDB_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("IDB_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ShutdownTimeout = d
		}
	}
}

// Validate rejects configuration values that would make startup fail
// later in a confusing place (an empty data dir, a zero-worker pool).
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("dbconfig: data_dir cannot be empty")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("dbconfig: workers must be positive, got %d", c.Workers)
	}
	if c.CompressMinBytes < 0 {
		return fmt.Errorf("dbconfig: compress_min_bytes cannot be negative")
	}
	switch c.ValueCodec {
	case "none", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("dbconfig: unknown value_codec %q", c.ValueCodec)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("dbconfig: shutdown_timeout must be positive")
	}
	return nil
}
