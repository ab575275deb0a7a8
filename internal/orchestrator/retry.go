package orchestrator

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/procedures/internal/scheduler"
)

// RetryTask is a task whose body runs an Operation until it succeeds. The
// error of the final attempt becomes the task's error. Cancelling the task
// stops the loop without recording further errors.
type RetryTask struct {
	*scheduler.Task

	op       Operation
	config   RetryConfig
	breaker  *gobreaker.CircuitBreaker
	attempts atomic.Int32
}

// NewRetryTask creates a retrying task. breaker may be nil.
func NewRetryTask(name string, op Operation, cfg RetryConfig, breaker *gobreaker.CircuitBreaker) *RetryTask {
	r := &RetryTask{op: op, config: cfg, breaker: breaker}
	r.Task = scheduler.NewTask(name, r.run)
	return r
}

// Attempts returns the number of attempts made so far.
func (r *RetryTask) Attempts() int {
	return int(r.attempts.Load())
}

func (r *RetryTask) run(ctx context.Context, t *scheduler.Task) {
	op := func(ctx context.Context, attempt int) error {
		r.attempts.Store(int32(attempt))
		return r.op(ctx, attempt)
	}
	notify := func(err error, next time.Duration) {
		log.Printf("WARNING: %s attempt %d failed, retrying in %v: %v", t, r.Attempts(), next, err)
	}

	_, err := retry(ctx, op, r.breaker, r.config, notify)
	if t.IsCancelled() {
		t.Finish(nil)
		return
	}
	t.Finish(err)
}
