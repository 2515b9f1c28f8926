// Package config provides layered configuration loading for lexstream:
// defaults, then the user file, then the project file, with ${VAR}
// environment substitution inside files. A watcher reloads tunables when
// the project file changes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/lexstream/message"
)

// Config is the complete lexstream configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Bus       BusConfig       `yaml:"bus"`
	Cache     CacheConfig     `yaml:"cache"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Engine    EngineConfig    `yaml:"engine"`
	Workers   WorkersConfig   `yaml:"workers"`
	LLM       LLMConfig       `yaml:"llm"`
	Fetch     FetchConfig     `yaml:"fetch"`
	API       APIConfig       `yaml:"api"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// BusConfig configures the in-process message bus.
type BusConfig struct {
	// QueueBuffer is the per-queue channel capacity.
	QueueBuffer int `yaml:"queue_buffer"`
}

// CacheConfig configures the three-tier cache.
type CacheConfig struct {
	// Dir is the file-layer directory.
	Dir string `yaml:"dir"`
	// LocalMaxBytes bounds the in-memory LRU by total value bytes.
	LocalMaxBytes int64 `yaml:"local_max_bytes"`
	// FileThreshold routes payloads at or above this size to the file layer.
	FileThreshold int `yaml:"file_threshold"`
	// SweepInterval is the expired-entry sweep period.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// NATSURL selects the NATS JetStream KV shared tier when set; empty
	// uses the in-memory shared store.
	NATSURL string `yaml:"nats_url"`
	// NATSBucket is the KV bucket name for the shared tier.
	NATSBucket string `yaml:"nats_bucket"`
}

// OptimizerConfig configures the request optimizer.
type OptimizerConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	BatchPermits  int           `yaml:"batch_permits"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryBase     time.Duration `yaml:"retry_base"`
}

// EngineConfig configures the workflow engine. These are the hot-reloadable
// tunables.
type EngineConfig struct {
	MaxConcurrentWorkflows int           `yaml:"max_concurrent_workflows"`
	DispatchInterval       time.Duration `yaml:"dispatch_interval"`
	HealthInterval         time.Duration `yaml:"health_interval"`
	MetricsInterval        time.Duration `yaml:"metrics_interval"`
	StepTimeout            time.Duration `yaml:"step_timeout"`
	HeartbeatTimeout       time.Duration `yaml:"heartbeat_timeout"`
}

// WorkersConfig configures the worker pools.
type WorkersConfig struct {
	// HeartbeatInterval is how often each worker reports liveness.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// Counts maps role name to pool size. Missing roles default to one
	// instance; zero disables the role.
	Counts map[string]int `yaml:"counts"`
}

// LLMConfig configures the language-model boundary.
type LLMConfig struct {
	// Enabled turns LLM-backed analysis and validation on.
	Enabled bool `yaml:"enabled"`
	// Default overrides the registry's default model name.
	Default string `yaml:"default"`
	// Endpoint overrides the default model's base URL.
	Endpoint string `yaml:"endpoint"`
	// SessionTTL bounds per-correlation session tokens.
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// FetchConfig configures the document fetcher.
type FetchConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxContentSize int64         `yaml:"max_content_size"`
	UserAgent      string        `yaml:"user_agent"`
	// AllowInsecure disables URL validation. Local development only.
	AllowInsecure bool `yaml:"allow_insecure"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr"`
}

// Default returns a Config with production defaults.
func Default() *Config {
	counts := make(map[string]int, len(message.Roles))
	for _, role := range message.Roles {
		counts[role] = 1
	}

	return &Config{
		Log: LogConfig{Level: "info"},
		Bus: BusConfig{QueueBuffer: 256},
		Cache: CacheConfig{
			Dir:           defaultCacheDir(),
			LocalMaxBytes: 64 << 20,
			FileThreshold: 64 << 10,
			SweepInterval: 5 * time.Minute,
			NATSBucket:    "lexstream-cache",
		},
		Optimizer: OptimizerConfig{
			MaxConcurrent: 10,
			BatchPermits:  5,
			MaxRetries:    3,
			RetryBase:     time.Second,
		},
		Engine: EngineConfig{
			MaxConcurrentWorkflows: 10,
			DispatchInterval:       5 * time.Second,
			HealthInterval:         60 * time.Second,
			MetricsInterval:        30 * time.Second,
			StepTimeout:            30 * time.Minute,
			HeartbeatTimeout:       5 * time.Minute,
		},
		Workers: WorkersConfig{
			HeartbeatInterval: 30 * time.Second,
			Counts:            counts,
		},
		LLM: LLMConfig{
			Enabled:    true,
			SessionTTL: 30 * time.Minute,
		},
		Fetch: FetchConfig{
			Timeout:        60 * time.Second,
			MaxContentSize: 32 << 20,
			UserAgent:      "lexstream/1.0",
		},
		API: APIConfig{Addr: ":8080"},
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "lexstream")
	}
	return filepath.Join(os.TempDir(), "lexstream-cache")
}

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	if c.Bus.QueueBuffer <= 0 {
		return fmt.Errorf("bus.queue_buffer must be positive")
	}
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir is required")
	}
	if c.Optimizer.MaxConcurrent <= 0 {
		return fmt.Errorf("optimizer.max_concurrent must be positive")
	}
	if c.Engine.MaxConcurrentWorkflows <= 0 {
		return fmt.Errorf("engine.max_concurrent_workflows must be positive")
	}
	if c.Engine.DispatchInterval <= 0 || c.Engine.DispatchInterval > 5*time.Second {
		return fmt.Errorf("engine.dispatch_interval must be in (0, 5s]")
	}
	if c.Engine.HealthInterval <= 0 || c.Engine.HealthInterval > time.Minute {
		return fmt.Errorf("engine.health_interval must be in (0, 60s]")
	}
	for role := range c.Workers.Counts {
		if !message.ValidRole(role) {
			return fmt.Errorf("workers.counts: unknown role %q", role)
		}
	}
	if c.API.Addr == "" {
		return fmt.Errorf("api.addr is required")
	}
	return nil
}

// envVarRe matches ${VAR} references inside config files.
var envVarRe = regexp.MustCompile(`\$\{(\w+)\}`)

// expandEnv replaces ${VAR} with the environment value. Unset variables
// expand to the empty string.
func expandEnv(data []byte) []byte {
	return envVarRe.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envVarRe.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// LoadFromFile reads one YAML layer. ${VAR} references are substituted
// from the environment before parsing. Fields absent from the file keep
// their zero value; merging applies defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(expandEnv(data), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &cfg, nil
}

// SaveToFile writes the configuration as YAML, creating parent directories.
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Merge overlays another config onto this one; non-zero values in other
// take precedence.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Bus.QueueBuffer != 0 {
		c.Bus.QueueBuffer = other.Bus.QueueBuffer
	}

	if other.Cache.Dir != "" {
		c.Cache.Dir = other.Cache.Dir
	}
	if other.Cache.LocalMaxBytes != 0 {
		c.Cache.LocalMaxBytes = other.Cache.LocalMaxBytes
	}
	if other.Cache.FileThreshold != 0 {
		c.Cache.FileThreshold = other.Cache.FileThreshold
	}
	if other.Cache.SweepInterval != 0 {
		c.Cache.SweepInterval = other.Cache.SweepInterval
	}
	if other.Cache.NATSURL != "" {
		c.Cache.NATSURL = other.Cache.NATSURL
	}
	if other.Cache.NATSBucket != "" {
		c.Cache.NATSBucket = other.Cache.NATSBucket
	}

	if other.Optimizer.MaxConcurrent != 0 {
		c.Optimizer.MaxConcurrent = other.Optimizer.MaxConcurrent
	}
	if other.Optimizer.BatchPermits != 0 {
		c.Optimizer.BatchPermits = other.Optimizer.BatchPermits
	}
	if other.Optimizer.MaxRetries != 0 {
		c.Optimizer.MaxRetries = other.Optimizer.MaxRetries
	}
	if other.Optimizer.RetryBase != 0 {
		c.Optimizer.RetryBase = other.Optimizer.RetryBase
	}

	if other.Engine.MaxConcurrentWorkflows != 0 {
		c.Engine.MaxConcurrentWorkflows = other.Engine.MaxConcurrentWorkflows
	}
	if other.Engine.DispatchInterval != 0 {
		c.Engine.DispatchInterval = other.Engine.DispatchInterval
	}
	if other.Engine.HealthInterval != 0 {
		c.Engine.HealthInterval = other.Engine.HealthInterval
	}
	if other.Engine.MetricsInterval != 0 {
		c.Engine.MetricsInterval = other.Engine.MetricsInterval
	}
	if other.Engine.StepTimeout != 0 {
		c.Engine.StepTimeout = other.Engine.StepTimeout
	}
	if other.Engine.HeartbeatTimeout != 0 {
		c.Engine.HeartbeatTimeout = other.Engine.HeartbeatTimeout
	}

	if other.Workers.HeartbeatInterval != 0 {
		c.Workers.HeartbeatInterval = other.Workers.HeartbeatInterval
	}
	for role, n := range other.Workers.Counts {
		c.Workers.Counts[role] = n
	}

	if other.LLM.Default != "" {
		c.LLM.Default = other.LLM.Default
	}
	if other.LLM.Endpoint != "" {
		c.LLM.Endpoint = other.LLM.Endpoint
	}
	if other.LLM.SessionTTL != 0 {
		c.LLM.SessionTTL = other.LLM.SessionTTL
	}

	if other.Fetch.Timeout != 0 {
		c.Fetch.Timeout = other.Fetch.Timeout
	}
	if other.Fetch.MaxContentSize != 0 {
		c.Fetch.MaxContentSize = other.Fetch.MaxContentSize
	}
	if other.Fetch.UserAgent != "" {
		c.Fetch.UserAgent = other.Fetch.UserAgent
	}
	if other.Fetch.AllowInsecure {
		c.Fetch.AllowInsecure = true
	}

	if other.API.Addr != "" {
		c.API.Addr = other.API.Addr
	}
}
