package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/procedures/internal/config"
)

// fastRetry returns a retry configuration with millisecond intervals.
func fastRetry(maxAttempts int) RetryConfig {
	return RetryConfig{
		InitialInterval:     5 * time.Millisecond,
		MaxInterval:         20 * time.Millisecond,
		Multiplier:          2.0,
		RandomizationFactor: 0,
		MaxAttempts:         maxAttempts,
	}
}

// failTimes returns an operation failing the first n calls.
func failTimes(n int32, calls *atomic.Int32) Operation {
	return func(context.Context, int) error {
		if c := calls.Add(1); c <= n {
			return fmt.Errorf("transient error %d", c)
		}
		return nil
	}
}

// TestRetry_TransientThenSuccess verifies transient failures are retried.
func TestRetry_TransientThenSuccess(t *testing.T) {
	var calls atomic.Int32
	cb := NewBreakerRegistry(BreakerConfig{ConsecutiveFailures: 5, OpenTimeout: time.Minute}).Get("test")

	attempts, err := retry(context.Background(), failTimes(2, &calls), cb, fastRetry(5), nil)
	if err != nil {
		t.Fatalf("expected success after retries, got error: %v", err)
	}
	if attempts != 3 || calls.Load() != 3 {
		t.Errorf("expected 3 attempts (2 failures + 1 success), got %d attempts, %d calls", attempts, calls.Load())
	}
}

// TestRetry_MaxAttempts verifies the last attempt's error is returned once
// attempts are exhausted.
func TestRetry_MaxAttempts(t *testing.T) {
	var calls atomic.Int32
	op := func(_ context.Context, attempt int) error {
		calls.Add(1)
		return fmt.Errorf("attempt %d failed", attempt)
	}

	attempts, err := retry(context.Background(), op, nil, fastRetry(3), nil)
	if err == nil || err.Error() != "attempt 3 failed" {
		t.Errorf("expected error of attempt 3, got %v", err)
	}
	if attempts != 3 || calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d attempts, %d calls", attempts, calls.Load())
	}
}

// TestRetry_PermanentError verifies a permanent error stops retrying at once.
func TestRetry_PermanentError(t *testing.T) {
	errFatal := errors.New("fatal")
	var calls atomic.Int32
	op := func(context.Context, int) error {
		calls.Add(1)
		return Permanent(errFatal)
	}

	_, err := retry(context.Background(), op, nil, fastRetry(5), nil)
	if !errors.Is(err, errFatal) {
		t.Errorf("expected fatal error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

// TestRetry_CircuitOpens verifies the breaker trips after consecutive
// failures and stops the retry loop without calling the operation again.
func TestRetry_CircuitOpens(t *testing.T) {
	registry := NewBreakerRegistry(BreakerConfig{MaxRequests: 1, OpenTimeout: time.Minute, ConsecutiveFailures: 3})
	cb := registry.Get("flaky")

	var calls atomic.Int32
	op := func(context.Context, int) error {
		calls.Add(1)
		return errors.New("persistent error")
	}

	_, err := retry(context.Background(), op, cb, fastRetry(10), nil)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected open circuit error, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls before the circuit opened, got %d", calls.Load())
	}
	if cb.State() != gobreaker.StateOpen {
		t.Errorf("expected circuit to be open, got state: %v", cb.State())
	}

	// A second loop against the same breaker fails fast
	_, err = retry(context.Background(), op, registry.Get("flaky"), fastRetry(10), nil)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected open circuit error, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected no further calls, got %d", calls.Load())
	}
}

// TestRetry_ContextCancelledStopsRetry verifies cancellation interrupts the
// wait between attempts and reports the last attempt's error.
func TestRetry_ContextCancelledStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastRetry(0)
	cfg.InitialInterval = time.Second
	cfg.MaxInterval = time.Second

	op := func(context.Context, int) error {
		return errors.New("still failing")
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	attempts, err := retry(ctx, op, nil, cfg, nil)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("retry did not stop promptly: %v", elapsed)
	}
	if err == nil || err.Error() != "still failing" {
		t.Errorf("expected last attempt error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

// TestRetry_Notify verifies the notify hook sees every failed attempt that
// is retried.
func TestRetry_Notify(t *testing.T) {
	var calls, notified atomic.Int32
	notify := func(err error, next time.Duration) {
		notified.Add(1)
		if next <= 0 {
			t.Errorf("expected positive wait, got %v", next)
		}
	}

	if _, err := retry(context.Background(), failTimes(3, &calls), nil, fastRetry(5), notify); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if notified.Load() != 3 {
		t.Errorf("expected 3 notifications, got %d", notified.Load())
	}
}

// TestBreakerRegistry_CancellationIsNotFailure verifies cancelled attempts do
// not trip the breaker.
func TestBreakerRegistry_CancellationIsNotFailure(t *testing.T) {
	cb := NewBreakerRegistry(BreakerConfig{MaxRequests: 1, OpenTimeout: time.Minute, ConsecutiveFailures: 1}).Get("cancel")

	for range 3 {
		cb.Execute(func() (interface{}, error) {
			return nil, context.Canceled
		})
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("expected closed circuit, got %v", cb.State())
	}
}

// TestBreakerRegistry_Get verifies breakers are shared per name.
func TestBreakerRegistry_Get(t *testing.T) {
	registry := NewBreakerRegistry(BreakerConfigFrom(config.DefaultConfig().Breaker))

	if registry.Get("a") != registry.Get("a") {
		t.Error("expected the same breaker for the same name")
	}
	if registry.Get("a") == registry.Get("b") {
		t.Error("expected distinct breakers for distinct names")
	}
	if registry.Get("a").Name() != "a" {
		t.Errorf("expected breaker name 'a', got %q", registry.Get("a").Name())
	}
}

// TestRetryConfigFrom verifies file configuration is converted field by field.
func TestRetryConfigFrom(t *testing.T) {
	cfg := RetryConfigFrom(config.RetryConfig{
		InitialInterval:     config.Duration(time.Second),
		MaxInterval:         config.Duration(time.Minute),
		MaxElapsedTime:      config.Duration(time.Hour),
		Multiplier:          1.5,
		RandomizationFactor: 0.2,
		MaxAttempts:         7,
	})

	want := RetryConfig{
		InitialInterval:     time.Second,
		MaxInterval:         time.Minute,
		MaxElapsedTime:      time.Hour,
		Multiplier:          1.5,
		RandomizationFactor: 0.2,
		MaxAttempts:         7,
	}
	if cfg != want {
		t.Errorf("expected %+v, got %+v", want, cfg)
	}
}
