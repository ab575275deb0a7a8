package orchestrator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/procedures/internal/config"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval
	MaxInterval         time.Duration // Maximum retry interval
	MaxElapsedTime      time.Duration // Maximum total retry time; 0 means no limit
	Multiplier          float64       // Backoff multiplier
	RandomizationFactor float64       // Jitter factor
	MaxAttempts         int           // Attempts including the first; 0 means no limit
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfigFrom(config.DefaultConfig().Retry)
}

// RetryConfigFrom converts the file configuration.
func RetryConfigFrom(c config.RetryConfig) RetryConfig {
	return RetryConfig{
		InitialInterval:     c.InitialInterval.Std(),
		MaxInterval:         c.MaxInterval.Std(),
		MaxElapsedTime:      c.MaxElapsedTime.Std(),
		Multiplier:          c.Multiplier,
		RandomizationFactor: c.RandomizationFactor,
		MaxAttempts:         c.MaxAttempts,
	}
}

// policy builds the backoff policy for one retry loop.
func (c RetryConfig) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.InitialInterval
	exp.MaxInterval = c.MaxInterval
	exp.MaxElapsedTime = c.MaxElapsedTime
	exp.Multiplier = c.Multiplier
	exp.RandomizationFactor = c.RandomizationFactor
	exp.Reset()

	var b backoff.BackOff = exp
	if c.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(c.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// BreakerConfig configures the circuit breakers handed out by a registry.
type BreakerConfig struct {
	MaxRequests         uint32        // Probes allowed while half-open
	OpenTimeout         time.Duration // How long the breaker stays open
	ConsecutiveFailures uint32        // Failures that trip the breaker
}

// BreakerConfigFrom converts the file configuration.
func BreakerConfigFrom(c config.BreakerConfig) BreakerConfig {
	return BreakerConfig{
		MaxRequests:         c.MaxRequests,
		OpenTimeout:         c.OpenTimeout.Std(),
		ConsecutiveFailures: c.ConsecutiveFailures,
	}
}

// BreakerRegistry hands out one circuit breaker per name, so every retry task
// working against the same resource shares its failure history.
type BreakerRegistry struct {
	config BreakerConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a new circuit breaker registry.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		config:   cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for the given name.
// Creates a new one if it doesn't exist.
func (r *BreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	threshold := r.config.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: r.config.MaxRequests,
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Cancellation says nothing about the resource
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
	})

	r.breakers[name] = cb
	return cb
}

// Operation is one attempt of a retried unit of work. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// retry runs op with exponential backoff until it succeeds, returns a
// permanent error, exhausts cfg, or ctx is done. cb may be nil. notify, if
// set, is called before each wait.
func retry(ctx context.Context, op Operation, cb *gobreaker.CircuitBreaker, cfg RetryConfig, notify backoff.Notify) (attempts int, err error) {
	var lastErr error

	operation := func() error {
		// Check context first - fail fast if cancelled
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		attempts++

		var err error
		if cb == nil {
			err = op(ctx, attempts)
		} else {
			_, err = cb.Execute(func() (interface{}, error) {
				return nil, op(ctx, attempts)
			})
		}
		if err == nil {
			return nil
		}
		lastErr = err

		// Circuit is open - don't retry
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	err = backoff.RetryNotify(operation, cfg.policy(ctx), notify)
	if err != nil && lastErr != nil && ctx.Err() != nil {
		// The wait was interrupted; report what the last attempt saw
		err = lastErr
	}
	return attempts, err
}
