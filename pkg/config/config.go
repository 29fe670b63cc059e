// Copyright 2025 Signal ID
//
// Configuration for the sign-up sequencer service.
// Loaded from a TOML file, then overridden by environment variables so that
// container deployments can patch individual values without editing the file.

package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all configuration for the sequencer service
type Config struct {
	// Server Configuration
	ListenAddr  string `toml:"listen_addr"`
	MetricsAddr string `toml:"metrics_addr"`

	// Database Configuration
	DatabaseURL         string `toml:"database_url"`
	DatabaseMaxConns    int    `toml:"database_max_conns"`
	DatabaseMinConns    int    `toml:"database_min_conns"`
	DatabaseMaxIdleTime int    `toml:"database_max_idle_time"` // seconds
	DatabaseMaxLifetime int    `toml:"database_max_lifetime"`  // seconds

	// Tree Configuration
	TreeDepth int `toml:"tree_depth"`

	// Batch Formation
	PollPeriod          Duration `toml:"poll_period"`
	InsertionTimeout    Duration `toml:"insertion_timeout"`
	DeletionTimeout     Duration `toml:"deletion_timeout"`
	InsertionBatchSizes []int    `toml:"insertion_batch_sizes"`
	DeletionBatchSizes  []int    `toml:"deletion_batch_sizes"`

	// Prover Configuration
	InsertionProverURLs map[string]string `toml:"insertion_prover_urls"` // batch size -> endpoint
	DeletionProverURLs  map[string]string `toml:"deletion_prover_urls"`
	ProverTimeout       Duration          `toml:"prover_timeout"`

	// Relayer Configuration
	RelayerURL     string   `toml:"relayer_url"`
	RelayerToken   string   `toml:"relayer_token"`
	RelayerTimeout Duration `toml:"relayer_timeout"`

	// Blockchain Configuration
	EthereumURL            string   `toml:"ethereum_url"`
	IdentityManagerAddress string   `toml:"identity_manager_address"`
	ChainPollInterval      Duration `toml:"chain_poll_interval"`
	RequiredConfirmations  int      `toml:"required_confirmations"`

	// Semaphore Verification
	SemaphoreVerifyingKeyPath string   `toml:"semaphore_verifying_key_path"`
	MaxRootAge                Duration `toml:"max_root_age"`

	// Service Configuration
	LogLevel        string   `toml:"log_level"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// Duration wraps time.Duration so TOML files can say "5s" or "1h"
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// AsDuration returns the underlying time.Duration
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

// Default returns a config populated with safe defaults.
// Required fields (database, relayer, contract) are left empty and caught by Validate.
func Default() *Config {
	return &Config{
		ListenAddr:  "0.0.0.0:8080",
		MetricsAddr: "0.0.0.0:9090",

		DatabaseMaxConns:    25,
		DatabaseMinConns:    5,
		DatabaseMaxIdleTime: 300,
		DatabaseMaxLifetime: 3600,

		TreeDepth: 30,

		PollPeriod:          Duration(5 * time.Second),
		InsertionTimeout:    Duration(3 * time.Minute),
		DeletionTimeout:     Duration(1 * time.Hour),
		InsertionBatchSizes: []int{10, 100, 1000},
		DeletionBatchSizes:  []int{10, 100},

		ProverTimeout:  Duration(5 * time.Minute),
		RelayerTimeout: Duration(30 * time.Second),

		ChainPollInterval:     Duration(15 * time.Second),
		RequiredConfirmations: 12,

		MaxRootAge: Duration(1 * time.Hour),

		LogLevel:        "info",
		ShutdownTimeout: Duration(30 * time.Second),
	}
}

// Load reads the TOML config file at path, then applies environment overrides.
//
// Environment overrides exist for deployment-sensitive values only:
//   - SEQ_DATABASE_URL, SEQ_RELAYER_URL, SEQ_RELAYER_TOKEN
//   - SEQ_ETHEREUM_URL, SEQ_IDENTITY_MANAGER_ADDRESS
//   - SEQ_LISTEN_ADDR, SEQ_METRICS_ADDR, SEQ_LOG_LEVEL
//   - SEQ_POLL_PERIOD, SEQ_INSERTION_TIMEOUT, SEQ_DELETION_TIMEOUT, SEQ_MAX_ROOT_AGE
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
		}
	}

	// Environment overrides
	cfg.DatabaseURL = getEnv("SEQ_DATABASE_URL", cfg.DatabaseURL)
	cfg.RelayerURL = getEnv("SEQ_RELAYER_URL", cfg.RelayerURL)
	cfg.RelayerToken = getEnv("SEQ_RELAYER_TOKEN", cfg.RelayerToken)
	cfg.EthereumURL = getEnv("SEQ_ETHEREUM_URL", cfg.EthereumURL)
	cfg.IdentityManagerAddress = getEnv("SEQ_IDENTITY_MANAGER_ADDRESS", cfg.IdentityManagerAddress)
	cfg.ListenAddr = getEnv("SEQ_LISTEN_ADDR", cfg.ListenAddr)
	cfg.MetricsAddr = getEnv("SEQ_METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = getEnv("SEQ_LOG_LEVEL", cfg.LogLevel)
	cfg.PollPeriod = getEnvDuration("SEQ_POLL_PERIOD", cfg.PollPeriod)
	cfg.InsertionTimeout = getEnvDuration("SEQ_INSERTION_TIMEOUT", cfg.InsertionTimeout)
	cfg.DeletionTimeout = getEnvDuration("SEQ_DELETION_TIMEOUT", cfg.DeletionTimeout)
	cfg.MaxRootAge = getEnvDuration("SEQ_MAX_ROOT_AGE", cfg.MaxRootAge)

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent
func (c *Config) Validate() error {
	var errors []string

	if c.DatabaseURL == "" {
		errors = append(errors, "database_url is required but not set")
	}
	if c.RelayerURL == "" {
		errors = append(errors, "relayer_url is required but not set")
	}
	if c.EthereumURL == "" {
		errors = append(errors, "ethereum_url is required but not set")
	}
	if c.IdentityManagerAddress == "" {
		errors = append(errors, "identity_manager_address is required but not set")
	}
	if c.TreeDepth < 1 || c.TreeDepth > 32 {
		errors = append(errors, fmt.Sprintf("tree_depth must be between 1 and 32, got %d", c.TreeDepth))
	}
	if len(c.InsertionBatchSizes) == 0 {
		errors = append(errors, "insertion_batch_sizes must list at least one size")
	}
	for _, size := range c.InsertionBatchSizes {
		if size < 1 {
			errors = append(errors, fmt.Sprintf("insertion batch size %d is invalid", size))
		} else if _, ok := c.InsertionProverURLs[strconv.Itoa(size)]; !ok {
			errors = append(errors, fmt.Sprintf("no insertion prover endpoint for batch size %d", size))
		}
	}
	for _, size := range c.DeletionBatchSizes {
		if size < 1 {
			errors = append(errors, fmt.Sprintf("deletion batch size %d is invalid", size))
		} else if _, ok := c.DeletionProverURLs[strconv.Itoa(size)]; !ok {
			errors = append(errors, fmt.Sprintf("no deletion prover endpoint for batch size %d", size))
		}
	}
	if c.PollPeriod.AsDuration() <= 0 {
		errors = append(errors, "poll_period must be positive")
	}
	if c.RequiredConfirmations < 1 {
		errors = append(errors, "required_confirmations must be at least 1")
	}
	if c.MaxRootAge.AsDuration() <= 0 {
		errors = append(errors, "max_root_age must be positive")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

// SortedInsertionBatchSizes returns the supported insertion batch sizes, ascending
func (c *Config) SortedInsertionBatchSizes() []int {
	sizes := append([]int(nil), c.InsertionBatchSizes...)
	sort.Ints(sizes)
	return sizes
}

// SortedDeletionBatchSizes returns the supported deletion batch sizes, ascending
func (c *Config) SortedDeletionBatchSizes() []int {
	sizes := append([]int(nil), c.DeletionBatchSizes...)
	sort.Ints(sizes)
	return sizes
}

// String returns a loggable form of the config with secrets redacted
func (c *Config) String() string {
	dbURL := c.DatabaseURL
	if dbURL != "" {
		dbURL = redactURL(dbURL)
	}
	token := c.RelayerToken
	if token != "" {
		token = "[redacted]"
	}
	return fmt.Sprintf("Config{listen=%s metrics=%s db=%s tree_depth=%d poll=%s relayer=%s token=%s}",
		c.ListenAddr, c.MetricsAddr, dbURL, c.TreeDepth,
		c.PollPeriod.AsDuration(), c.RelayerURL, token)
}

// redactURL strips userinfo from a connection URL
func redactURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	scheme := strings.Index(url, "://")
	if scheme < 0 {
		return "[redacted]" + url[at:]
	}
	return url[:scheme+3] + "[redacted]" + url[at:]
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue Duration) Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return Duration(duration)
		}
	}
	return defaultValue
}
