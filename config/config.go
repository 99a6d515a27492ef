// Package config loads the YAML configuration shared by the gojostore binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sushant-115/gojostore/pkg/logger"
	"github.com/sushant-115/gojostore/pkg/telemetry"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// maxTableDepth mirrors the page-layout limit of the extendible hash table.
const maxTableDepth = 9

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the root of the configuration file.
type Config struct {
	Storage   StorageConfig    `yaml:"storage"`
	Index     IndexConfig      `yaml:"index"`
	Server    ServerConfig     `yaml:"server"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

type StorageConfig struct {
	// DataFile is the single file holding every page.
	DataFile string `yaml:"data_file"`
	// PoolSize is the number of frames in the buffer pool.
	PoolSize int `yaml:"pool_size"`
	// ReplacerK is the k of the LRU-K replacer.
	ReplacerK int `yaml:"replacer_k"`
}

type IndexConfig struct {
	Name              string `yaml:"name"`
	HeaderMaxDepth    uint32 `yaml:"header_max_depth"`
	DirectoryMaxDepth uint32 `yaml:"directory_max_depth"`
	// BucketMaxSize of 0 fills each bucket page.
	BucketMaxSize uint32 `yaml:"bucket_max_size"`
	MaxKeySize    int    `yaml:"max_key_size"`
	MaxValueSize  int    `yaml:"max_value_size"`
	LockStripes   int    `yaml:"lock_stripes"`
}

type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
	// RateLimit is the sustained commands per second allowed on one
	// connection. Zero disables limiting.
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// Default returns a configuration that runs a local server out of ./data.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			DataFile:  "data/gojostore.db",
			PoolSize:  128,
			ReplacerK: 2,
		},
		Index: IndexConfig{
			Name:              "kv",
			HeaderMaxDepth:    2,
			DirectoryMaxDepth: 9,
			BucketMaxSize:     0,
			MaxKeySize:        64,
			MaxValueSize:      256,
			LockStripes:       64,
		},
		Server: ServerConfig{
			ListenAddress:  "localhost:9090",
			RateLimit:      1000,
			RateBurst:      100,
			MaxConnections: 256,
			IdleTimeout:    5 * time.Minute,
		},
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stdout",
		},
		Telemetry: telemetry.Config{
			Enabled:          false,
			ServiceName:      "gojostore",
			PrometheusPort:   9464,
			TraceSampleRatio: 1.0,
		},
	}
}

// Load reads path on top of Default, so a file only needs the keys it changes.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs error
	invalid := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Storage.DataFile == "" {
		invalid("storage.data_file is required")
	}
	if c.Storage.PoolSize <= 0 {
		invalid("storage.pool_size must be positive, got %d", c.Storage.PoolSize)
	}
	if c.Storage.ReplacerK <= 0 {
		invalid("storage.replacer_k must be positive, got %d", c.Storage.ReplacerK)
	}

	if c.Index.HeaderMaxDepth > maxTableDepth {
		invalid("index.header_max_depth must be at most %d, got %d", maxTableDepth, c.Index.HeaderMaxDepth)
	}
	if c.Index.DirectoryMaxDepth > maxTableDepth {
		invalid("index.directory_max_depth must be at most %d, got %d", maxTableDepth, c.Index.DirectoryMaxDepth)
	}
	if c.Index.MaxKeySize <= 0 {
		invalid("index.max_key_size must be positive, got %d", c.Index.MaxKeySize)
	}
	if c.Index.MaxValueSize <= 0 {
		invalid("index.max_value_size must be positive, got %d", c.Index.MaxValueSize)
	}

	if c.Server.ListenAddress == "" {
		invalid("server.listen_address is required")
	}
	if c.Server.RateLimit < 0 {
		invalid("server.rate_limit must not be negative, got %v", c.Server.RateLimit)
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst <= 0 {
		invalid("server.rate_burst must be positive when rate_limit is set, got %d", c.Server.RateBurst)
	}
	if c.Server.MaxConnections < 0 {
		invalid("server.max_connections must not be negative, got %d", c.Server.MaxConnections)
	}

	if err := logger.ValidateLevel(c.Logger.Level); err != nil {
		invalid("logger.level: %v", err)
	}

	if c.Telemetry.Enabled && (c.Telemetry.PrometheusPort <= 0 || c.Telemetry.PrometheusPort > 65535) {
		invalid("telemetry.prometheus_port must be a valid port, got %d", c.Telemetry.PrometheusPort)
	}
	return errs
}
