package config

import "time"

// DefaultConfig returns the built-in configuration. Retry and breaker values
// match the ones used for flaky external commands.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			MaxConcurrent: 4,
		},
		Retry: RetryConfig{
			InitialInterval:     Duration(1 * time.Second),
			MaxInterval:         Duration(30 * time.Second),
			MaxElapsedTime:      Duration(2 * time.Minute),
			Multiplier:          2.0,
			RandomizationFactor: 0.1,
			MaxAttempts:         5,
		},
		Breaker: BreakerConfig{
			MaxRequests:         1,
			OpenTimeout:         Duration(30 * time.Second),
			ConsecutiveFailures: 3,
		},
		Journal: JournalConfig{
			Enabled: false,
			Path:    ".procedures/journal.db",
		},
		Log: LogConfig{
			Prefix: "procedures: ",
		},
	}
}
