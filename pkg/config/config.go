// Package config loads the engine configuration from a YAML file and
// validates it against explicit bounds. Everything externally supplied
// is treated as data: numeric parameters are clamped or rejected here,
// never passed through to query construction.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stepflow-io/stepflow/pkg/core"
	"github.com/stepflow-io/stepflow/pkg/security"
)

// Duration decodes YAML durations written as "250ms" or "5m" strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the engine configuration.
type Config struct {
	// Database is the GORM DSN. "sqlite://path.db" or a Postgres DSN.
	Database string `yaml:"database"`

	// DefinitionDir is scanned for *.yaml workflow definitions.
	DefinitionDir string `yaml:"definition_dir"`

	// Concurrency is the processor worker pool size.
	Concurrency int `yaml:"concurrency"`

	// PollInterval is how often an idle processor polls for work.
	PollInterval Duration `yaml:"poll_interval"`

	// VisibilityTimeout is how long after lease expiry a processing job
	// is considered abandoned and reclaimable.
	VisibilityTimeout Duration `yaml:"visibility_timeout"`

	// StepTimeout bounds a single capability invocation when the step
	// declares no timeout of its own.
	StepTimeout Duration `yaml:"step_timeout"`

	// MaxJobRetries bounds per-job retry attempts.
	MaxJobRetries int `yaml:"max_job_retries"`

	// CapabilityRetries bounds per-step capability retry attempts.
	CapabilityRetries int `yaml:"capability_retries"`

	// RetentionDays governs deletion of terminal jobs and instances.
	RetentionDays int `yaml:"retention_days"`

	// RedisAddr, when set, moves guardrail counters to Redis.
	RedisAddr string `yaml:"redis_addr"`

	// MetricsAddr, when set, serves Prometheus metrics.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the engine defaults.
func Default() Config {
	return Config{
		Database:          "sqlite://stepflow.db",
		DefinitionDir:     "workflows",
		Concurrency:       10,
		PollInterval:      Duration(100 * time.Millisecond),
		VisibilityTimeout: Duration(5 * time.Minute),
		StepTimeout:       Duration(30 * time.Second),
		MaxJobRetries:     3,
		CapabilityRetries: 3,
		RetentionDays:     90,
	}
}

// Load reads a YAML config file, applying defaults for absent fields.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks bounds on every externally supplied value.
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("config: database is required")
	}
	if c.Concurrency < 1 || c.Concurrency > security.MaxConcurrency {
		return fmt.Errorf("config: concurrency %d out of bounds [1, %d]", c.Concurrency, security.MaxConcurrency)
	}
	if c.PollInterval.Std() <= 0 {
		return fmt.Errorf("config: poll_interval must be positive")
	}
	if c.VisibilityTimeout.Std() < time.Second {
		return fmt.Errorf("config: visibility_timeout must be at least 1s")
	}
	if c.StepTimeout.Std() <= 0 {
		return fmt.Errorf("config: step_timeout must be positive")
	}
	if c.MaxJobRetries < 0 || c.MaxJobRetries > security.MaxRetries {
		return fmt.Errorf("config: max_job_retries %d out of bounds [0, %d]", c.MaxJobRetries, security.MaxRetries)
	}
	if c.CapabilityRetries < 0 || c.CapabilityRetries > security.MaxRetries {
		return fmt.Errorf("config: capability_retries %d out of bounds [0, %d]", c.CapabilityRetries, security.MaxRetries)
	}
	if err := security.ValidateRetentionDays(c.RetentionDays); err != nil {
		return fmt.Errorf("config: retention_days %d: %w", c.RetentionDays, core.ErrInvalidRetentionDays)
	}
	return nil
}
