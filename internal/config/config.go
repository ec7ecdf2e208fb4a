// Package config holds all configuration types and loading logic for
// TaskStream. Config structure never shrinks — fields are only added, never
// renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sneh-joshi/taskstream/internal/consumer"
	"github.com/sneh-joshi/taskstream/internal/storage/local"
)

// Config is the root configuration for a TaskStream server instance.
type Config struct {
	Node      NodeConfig     `yaml:"node"`
	Storage   StorageConfig  `yaml:"storage"`
	Queues    QueuesConfig   `yaml:"queues"`
	Workers   WorkersConfig  `yaml:"workers"`
	Producers ProducerConfig `yaml:"producers"`
	Auth      AuthConfig     `yaml:"auth"`
	Metrics   MetricsConfig  `yaml:"metrics"`
}

// NodeConfig holds identity and network settings for this server node.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// StorageConfig controls how stream entries are persisted on disk.
type StorageConfig struct {
	CompactionInterval string            `yaml:"compaction_interval"`
	Fsync              local.FsyncPolicy `yaml:"fsync"`
	FsyncIntervalMs    int               `yaml:"fsync_interval_ms"`
	FsyncBatchSize     int               `yaml:"fsync_batch_size"`
}

// QueuesConfig names the priority sub-logs, the dead-letter sink, and the
// consumer group, plus per-stream limits.
type QueuesConfig struct {
	High       string `yaml:"high"`
	Normal     string `yaml:"normal"`
	Low        string `yaml:"low"`
	DeadLetter string `yaml:"dead_letter"`
	Group      string `yaml:"group"`

	MaxEntries   int64 `yaml:"max_entries"`
	MaxBatchSize int   `yaml:"max_batch_size"`
}

// WorkersConfig tunes the worker pool.
type WorkersConfig struct {
	Count          int    `yaml:"count"`
	BatchSize      int    `yaml:"batch_size"`
	MaxRetries     int    `yaml:"max_retries"`
	PollBlockMs    int    `yaml:"poll_block_ms"`
	ErrorBackoffMs int    `yaml:"error_backoff_ms"`
	RetryUnitMs    int    `yaml:"retry_unit_ms"`
	FaultPolicy    string `yaml:"fault_policy"`
}

// ProducerConfig sets rate limiting applied per-producer.
type ProducerConfig struct {
	// MaxRate is requests per second per producer.
	MaxRate int `yaml:"max_rate"`
	// Burst allows temporary spikes above MaxRate.
	Burst int `yaml:"burst"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Storage: StorageConfig{
			CompactionInterval: "1h",
			Fsync:              local.FsyncInterval,
			FsyncIntervalMs:    200,
			FsyncBatchSize:     64,
		},
		Queues: QueuesConfig{
			High:         "tasks_high",
			Normal:       "tasks_normal",
			Low:          "tasks_low",
			DeadLetter:   "dead_letter_tasks",
			Group:        "workers",
			MaxEntries:   100_000,
			MaxBatchSize: 100,
		},
		Workers: WorkersConfig{
			Count:          4,
			BatchSize:      10,
			MaxRetries:     3,
			PollBlockMs:    1_000,
			ErrorBackoffMs: 5_000,
			RetryUnitMs:    1_000,
			FaultPolicy:    string(consumer.FaultLeavePending),
		},
		Producers: ProducerConfig{
			MaxRate: 100,
			Burst:   200,
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run TaskStream with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	TASKSTREAM_AUTH_API_KEY — sets auth.api_key and enables auth (auth.enabled = true)
//	TASKSTREAM_DATA_DIR     — sets node.data_dir
//	TASKSTREAM_PORT         — sets node.port
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("TASKSTREAM_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("TASKSTREAM_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("TASKSTREAM_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if _, err := time.ParseDuration(c.Storage.CompactionInterval); err != nil {
		return fmt.Errorf("storage.compaction_interval: %w", err)
	}
	switch c.Storage.Fsync {
	case local.FsyncAlways, local.FsyncInterval, local.FsyncBatch, local.FsyncNever:
		// valid
	default:
		return errors.New(`storage.fsync must be one of "always", "interval", "batch", "never"`)
	}
	for name, v := range map[string]string{
		"queues.high":        c.Queues.High,
		"queues.normal":      c.Queues.Normal,
		"queues.low":         c.Queues.Low,
		"queues.dead_letter": c.Queues.DeadLetter,
		"queues.group":       c.Queues.Group,
	} {
		if v == "" {
			return fmt.Errorf("%s must not be empty", name)
		}
	}
	if c.Queues.MaxEntries < 1 {
		return errors.New("queues.max_entries must be at least 1")
	}
	if c.Queues.MaxBatchSize < 1 {
		return errors.New("queues.max_batch_size must be at least 1")
	}
	if c.Workers.Count < 1 {
		return errors.New("workers.count must be at least 1")
	}
	if c.Workers.BatchSize < 1 {
		return errors.New("workers.batch_size must be at least 1")
	}
	if c.Workers.BatchSize > c.Queues.MaxBatchSize {
		return errors.New("workers.batch_size must not exceed queues.max_batch_size")
	}
	if c.Workers.MaxRetries < 0 {
		return errors.New("workers.max_retries must be >= 0")
	}
	if _, err := consumer.ParseFaultPolicy(c.Workers.FaultPolicy); err != nil {
		return fmt.Errorf("workers.fault_policy: %w", err)
	}
	if c.Producers.MaxRate < 1 {
		return errors.New("producers.max_rate must be at least 1")
	}
	if c.Producers.Burst < c.Producers.MaxRate {
		return errors.New("producers.burst must be at least producers.max_rate")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	return nil
}

// StorageLocal converts the storage section into the local engine's config.
func (c *Config) StorageLocal() local.Config {
	interval, err := time.ParseDuration(c.Storage.CompactionInterval)
	if err != nil {
		interval = 0 // Validate rejects this before we get here
	}
	return local.Config{
		Fsync:              c.Storage.Fsync,
		FsyncIntervalMs:    c.Storage.FsyncIntervalMs,
		FsyncBatchSize:     c.Storage.FsyncBatchSize,
		CompactionInterval: interval,
	}
}

// ConsumerConfig converts the workers section into the consumer's config.
func (c *Config) ConsumerConfig() consumer.Config {
	policy, _ := consumer.ParseFaultPolicy(c.Workers.FaultPolicy)
	return consumer.Config{
		BatchSize:        c.Workers.BatchSize,
		PollBlock:        time.Duration(c.Workers.PollBlockMs) * time.Millisecond,
		ErrorBackoff:     time.Duration(c.Workers.ErrorBackoffMs) * time.Millisecond,
		RetryBackoffUnit: time.Duration(c.Workers.RetryUnitMs) * time.Millisecond,
		FaultPolicy:      policy,
	}
}
