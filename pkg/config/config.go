// Package config provides configuration structures and loading logic for the
// engine process and the pipeline documents it runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the process-level configuration for the engine.
type Config struct {
	Ops        OpsConfig        `yaml:"ops"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
	Engine     EngineConfig     `yaml:"engine"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
}

// OpsConfig holds configuration for the operational HTTP listener.
type OpsConfig struct {
	Address string `yaml:"address"`
}

// TelemetryConfig holds configuration for OpenTelemetry export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EngineConfig holds scheduler and worker-pool configuration.
type EngineConfig struct {
	// MaxWorkers bounds concurrently running steps across all runs.
	MaxWorkers int `yaml:"max_workers"`

	// DefaultStepTimeout applies to steps without their own timeout when the
	// pipeline declares none either.
	DefaultStepTimeout string `yaml:"default_step_timeout"`

	// ShutdownGrace is how long a canceled step may keep running before the
	// scheduler abandons it.
	ShutdownGrace string `yaml:"shutdown_grace"`

	// ResetCyclesOnResume zeroes cycle iteration counters when resuming from
	// a checkpoint instead of restoring them.
	ResetCyclesOnResume bool `yaml:"reset_cycles_on_resume"`

	// RateLimits paces capability invocations, keyed by capability name.
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits"`

	// Breaker tunes the per-capability circuit breakers. Zero values keep
	// the engine defaults.
	Breaker BreakerConfig `yaml:"breaker"`
}

// RateLimitConfig declares token bucket pacing for one capability.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	Burst             int `yaml:"burst"`
}

// BreakerConfig declares circuit breaker thresholds.
type BreakerConfig struct {
	MaxFailures    int    `yaml:"max_failures"`
	Cooldown       string `yaml:"cooldown"`
	HalfOpenProbes int    `yaml:"half_open_probes"`
}

// CooldownDuration returns the parsed breaker cooldown.
func (c BreakerConfig) CooldownDuration() time.Duration {
	return parseDurationOr(c.Cooldown, 0)
}

// StepTimeout returns the parsed default step timeout.
func (c EngineConfig) StepTimeout() time.Duration {
	return parseDurationOr(c.DefaultStepTimeout, 30*time.Second)
}

// Grace returns the parsed shutdown grace period.
func (c EngineConfig) Grace() time.Duration {
	return parseDurationOr(c.ShutdownGrace, 5*time.Second)
}

// CheckpointConfig selects and configures the checkpoint backend.
type CheckpointConfig struct {
	// Backend is one of memory, file, redis.
	Backend string      `yaml:"backend"`
	Dir     string      `yaml:"dir"`
	TTL     string      `yaml:"ttl"`
	Redis   RedisConfig `yaml:"redis"`
}

// TTLDuration returns the parsed snapshot expiry for backends that support
// one. Zero keeps snapshots until the run completes.
func (c CheckpointConfig) TTLDuration() time.Duration {
	return parseDurationOr(c.TTL, 0)
}

// RedisConfig holds connection settings for the redis checkpoint backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PipelineConfig points at the pipeline document the process loads.
type PipelineConfig struct {
	File string `yaml:"file"`
}

// Load reads configuration from a file and applies environment variable
// overrides. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Ops: OpsConfig{
			Address: ":19110",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Engine: EngineConfig{
			MaxWorkers: 8,
		},
		Checkpoint: CheckpointConfig{
			Backend: "memory",
		},
	}

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("SKEIN_OPS_ADDR"); val != "" {
		cfg.Ops.Address = val
	}

	if val := os.Getenv("SKEIN_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("SKEIN_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("SKEIN_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("SKEIN_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}

	if val := os.Getenv("SKEIN_MAX_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			cfg.Engine.MaxWorkers = n
		}
	}
	if val := os.Getenv("SKEIN_STEP_TIMEOUT"); val != "" {
		cfg.Engine.DefaultStepTimeout = val
	}
	if val := os.Getenv("SKEIN_SHUTDOWN_GRACE"); val != "" {
		cfg.Engine.ShutdownGrace = val
	}
	if val := os.Getenv("SKEIN_RESET_CYCLES_ON_RESUME"); val == "true" {
		cfg.Engine.ResetCyclesOnResume = true
	}

	if val := os.Getenv("SKEIN_CHECKPOINT_BACKEND"); val != "" {
		cfg.Checkpoint.Backend = val
	}
	if val := os.Getenv("SKEIN_CHECKPOINT_DIR"); val != "" {
		cfg.Checkpoint.Dir = val
	}
	if val := os.Getenv("SKEIN_CHECKPOINT_TTL"); val != "" {
		cfg.Checkpoint.TTL = val
	}
	if val := os.Getenv("SKEIN_REDIS_ADDR"); val != "" {
		cfg.Checkpoint.Redis.Addr = val
	}
	if val := os.Getenv("SKEIN_REDIS_PASSWORD"); val != "" {
		cfg.Checkpoint.Redis.Password = val
	}
	if val := os.Getenv("SKEIN_REDIS_DB"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n >= 0 {
			cfg.Checkpoint.Redis.DB = n
		}
	}

	if val := os.Getenv("SKEIN_PIPELINE_FILE"); val != "" {
		cfg.Pipeline.File = val
	}
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Ops.Validate(); err != nil {
		return fmt.Errorf("ops configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine configuration: %w", err)
	}
	if err := c.Checkpoint.Validate(); err != nil {
		return fmt.Errorf("checkpoint configuration: %w", err)
	}
	return nil
}

// Validate performs validation of the ops listener configuration.
func (c *OpsConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = ":19110"
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}
	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}

	if strings.TrimSpace(c.Format) == "" {
		c.Format = "text"
	}
	format := strings.TrimSpace(strings.ToLower(c.Format))
	switch format {
	case "text", "json":
		c.Format = format
	default:
		return fmt.Errorf("invalid log format %q, supported formats: text, json", c.Format)
	}
	return nil
}

// Validate performs validation of engine configuration.
func (c *EngineConfig) Validate() error {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 8
	}
	if _, err := parseDuration(c.DefaultStepTimeout); err != nil {
		return fmt.Errorf("default_step_timeout: %w", err)
	}
	if _, err := parseDuration(c.ShutdownGrace); err != nil {
		return fmt.Errorf("shutdown_grace: %w", err)
	}
	for name, limit := range c.RateLimits {
		if limit.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limits.%s: requests_per_second must be positive", name)
		}
	}
	if _, err := parseDuration(c.Breaker.Cooldown); err != nil {
		return fmt.Errorf("breaker.cooldown: %w", err)
	}
	return nil
}

// Validate performs validation of checkpoint configuration.
func (c *CheckpointConfig) Validate() error {
	backend := strings.TrimSpace(strings.ToLower(c.Backend))
	if backend == "" {
		backend = "memory"
	}
	switch backend {
	case "memory":
	case "file":
		if strings.TrimSpace(c.Dir) == "" {
			c.Dir = "checkpoints"
		}
	case "redis":
		if strings.TrimSpace(c.Redis.Addr) == "" {
			c.Redis.Addr = "127.0.0.1:6379"
		}
	default:
		return fmt.Errorf("invalid checkpoint backend %q, supported backends: memory, file, redis", c.Backend)
	}
	c.Backend = backend

	if _, err := parseDuration(c.TTL); err != nil {
		return fmt.Errorf("ttl: %w", err)
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q cannot be negative", s)
	}
	return d, nil
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := parseDuration(s)
	if err != nil || d == 0 {
		return fallback
	}
	return d
}
