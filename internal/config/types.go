package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a string ("30s", "1m30s") in
// config files.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// SchedulerConfig configures the worker pool and default timeouts.
type SchedulerConfig struct {
	MaxConcurrent  int      `json:"max_concurrent" yaml:"max_concurrent"`   // 0 means unlimited
	DefaultTimeout Duration `json:"default_timeout" yaml:"default_timeout"` // 0 disables
}

// RetryConfig configures the exponential backoff used by retrying tasks.
type RetryConfig struct {
	InitialInterval     Duration `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval         Duration `json:"max_interval" yaml:"max_interval"`
	MaxElapsedTime      Duration `json:"max_elapsed_time" yaml:"max_elapsed_time"` // 0 retries until MaxAttempts
	Multiplier          float64  `json:"multiplier" yaml:"multiplier"`
	RandomizationFactor float64  `json:"randomization_factor" yaml:"randomization_factor"`
	MaxAttempts         int      `json:"max_attempts" yaml:"max_attempts"` // 0 means no limit
}

// BreakerConfig configures the circuit breakers shared by retrying tasks.
type BreakerConfig struct {
	MaxRequests         uint32   `json:"max_requests" yaml:"max_requests"` // Probes allowed while half-open
	OpenTimeout         Duration `json:"open_timeout" yaml:"open_timeout"`
	ConsecutiveFailures uint32   `json:"consecutive_failures" yaml:"consecutive_failures"` // Failures that trip the breaker
}

// JournalConfig configures the SQLite history of finished tasks.
type JournalConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// LogConfig configures lifecycle logging.
type LogConfig struct {
	Prefix  string `json:"prefix" yaml:"prefix"`
	Verbose bool   `json:"verbose" yaml:"verbose"` // Attach a LogObserver to every task
}

// Config is the top-level configuration.
type Config struct {
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Retry     RetryConfig     `json:"retry" yaml:"retry"`
	Breaker   BreakerConfig   `json:"breaker" yaml:"breaker"`
	Journal   JournalConfig   `json:"journal" yaml:"journal"`
	Log       LogConfig       `json:"log" yaml:"log"`
}

// Validate reports the first out-of-range setting.
func (c *Config) Validate() error {
	switch {
	case c.Scheduler.MaxConcurrent < 0:
		return fmt.Errorf("scheduler.max_concurrent must be >= 0, got %d", c.Scheduler.MaxConcurrent)
	case c.Scheduler.DefaultTimeout < 0:
		return fmt.Errorf("scheduler.default_timeout must be >= 0, got %s", c.Scheduler.DefaultTimeout)
	case c.Retry.InitialInterval <= 0:
		return fmt.Errorf("retry.initial_interval must be > 0, got %s", c.Retry.InitialInterval)
	case c.Retry.MaxInterval < c.Retry.InitialInterval:
		return fmt.Errorf("retry.max_interval %s is below retry.initial_interval %s", c.Retry.MaxInterval, c.Retry.InitialInterval)
	case c.Retry.Multiplier < 1:
		return fmt.Errorf("retry.multiplier must be >= 1, got %g", c.Retry.Multiplier)
	case c.Retry.RandomizationFactor < 0 || c.Retry.RandomizationFactor > 1:
		return fmt.Errorf("retry.randomization_factor must be within [0, 1], got %g", c.Retry.RandomizationFactor)
	case c.Retry.MaxAttempts < 0:
		return fmt.Errorf("retry.max_attempts must be >= 0, got %d", c.Retry.MaxAttempts)
	case c.Breaker.ConsecutiveFailures == 0:
		return fmt.Errorf("breaker.consecutive_failures must be > 0")
	case c.Journal.Enabled && c.Journal.Path == "":
		return fmt.Errorf("journal.path is required when the journal is enabled")
	}
	return nil
}
