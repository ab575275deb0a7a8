package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/procedures/internal/config"
	"github.com/aristath/procedures/internal/events"
	"github.com/aristath/procedures/internal/persistence"
	"github.com/aristath/procedures/internal/process"
	"github.com/aristath/procedures/internal/scheduler"
)

// shutdownTimeout bounds how long Run waits for cancelled tasks to wind down.
const shutdownTimeout = 10 * time.Second

// TaskResult represents the outcome of a task execution.
type TaskResult struct {
	TaskID    string
	Name      string
	Success   bool
	Cancelled bool
	Errors    []error
	Duration  time.Duration
}

// Error joins the task's errors, or returns nil on success.
func (r TaskResult) Error() error {
	return errors.Join(r.Errors...)
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Config    *config.Config       // Defaults to config.DefaultConfig()
	Bus       *events.EventBus     // Optional; receives lifecycle, output and progress events
	Store     persistence.Store    // Optional; overrides Config.Journal
	Logger    *log.Logger          // Defaults to log.Default()
	Processes *process.Manager     // Optional; tracks commands started through Command
	Delegates []scheduler.Delegate // Extra delegates, notified after the built-in ones
}

// Runner owns a scheduler built from configuration, with logging, event and
// journal delegates wired in.
type Runner struct {
	config   RunnerConfig
	sched    *scheduler.Scheduler
	breakers *BreakerRegistry
	bus      *events.BusDelegate
	journal  *persistence.Journal
	store    persistence.Store
	ownStore bool
}

// NewRunner creates a runner. When the journal is enabled a run is opened in
// the store; Close finishes it.
func NewRunner(ctx context.Context, cfg RunnerConfig) (*Runner, error) {
	if cfg.Config == nil {
		cfg.Config = config.DefaultConfig()
	}
	if err := cfg.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	r := &Runner{
		config:   cfg,
		breakers: NewBreakerRegistry(BreakerConfigFrom(cfg.Config.Breaker)),
		store:    cfg.Store,
	}

	if r.store == nil && cfg.Config.Journal.Enabled {
		store, err := persistence.NewSQLiteStore(ctx, cfg.Config.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		r.store = store
		r.ownStore = true
	}

	delegates := scheduler.MultiDelegate{scheduler.LogDelegate{Logger: cfg.Logger}}
	if cfg.Bus != nil {
		r.bus = events.NewBusDelegate(cfg.Bus)
		delegates = append(delegates, r.bus)
	}
	if r.store != nil {
		journal, err := persistence.NewJournal(ctx, r.store)
		if err != nil {
			r.closeStore()
			return nil, fmt.Errorf("failed to start journal: %w", err)
		}
		r.journal = journal
		delegates = append(delegates, journal)
	}
	delegates = append(delegates, cfg.Delegates...)

	r.sched = scheduler.New(scheduler.Config{
		MaxConcurrent:  cfg.Config.Scheduler.MaxConcurrent,
		DefaultTimeout: cfg.Config.Scheduler.DefaultTimeout.Std(),
		Delegate:       delegates,
	})
	return r, nil
}

// Scheduler returns the runner's scheduler.
func (r *Runner) Scheduler() *scheduler.Scheduler { return r.sched }

// Breakers returns the shared circuit breakers used by Retry.
func (r *Runner) Breakers() *BreakerRegistry { return r.breakers }

// RunID returns the journal run, or "" when the journal is off.
func (r *Runner) RunID() string {
	if r.journal == nil {
		return ""
	}
	return r.journal.RunID()
}

// Progress returns the latest progress snapshot, or a zero value without a bus.
func (r *Runner) Progress() events.ProgressEvent {
	if r.bus == nil {
		return events.ProgressEvent{}
	}
	return r.bus.Progress()
}

// Retry creates a retry task using the configured backoff. Tasks naming the
// same breaker share one circuit breaker; an empty name disables it.
func (r *Runner) Retry(name, breaker string, op Operation) *RetryTask {
	var cb *gobreaker.CircuitBreaker
	if breaker != "" {
		cb = r.breakers.Get(breaker)
	}
	return NewRetryTask(name, op, RetryConfigFrom(r.config.Config.Retry), cb)
}

// Command creates a process task whose output goes to the event bus and the
// journal.
func (r *Runner) Command(name string, spec process.Spec) *process.Task {
	var task *process.Task
	var journalOut func(stream, line string)

	opts := []process.Option{process.WithOutput(func(stream, line string) {
		if r.config.Bus != nil {
			r.config.Bus.Publish(events.TopicOutput, events.TaskOutputEvent{
				ID:        string(task.ID()),
				Stream:    stream,
				Line:      line,
				Timestamp: time.Now(),
			})
		}
		if journalOut != nil {
			journalOut(stream, line)
		}
	})}
	if r.config.Processes != nil {
		opts = append(opts, process.WithManager(r.config.Processes))
	}

	task = process.NewTask(name, spec, opts...)
	if r.journal != nil {
		journalOut = r.journal.Output(task.ID())
	}
	return task
}

// Run admits tasks and waits for all of them. If ctx is done first, every
// outstanding task is cancelled and Run waits a bounded time for them to wind
// down before returning ctx's error alongside the results so far.
func (r *Runner) Run(ctx context.Context, tasks ...*scheduler.Task) ([]TaskResult, error) {
	if r.config.Config.Log.Verbose {
		for _, t := range tasks {
			t.AddObserver(scheduler.LogObserver{Logger: r.config.Logger})
		}
	}

	err := r.sched.AddAndWait(ctx, tasks...)
	if err != nil {
		r.sched.CancelAll(err)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if waitErr := r.waitAll(shutdownCtx, tasks); waitErr != nil {
			log.Printf("WARNING: tasks still running after %v", shutdownTimeout)
		}
	}

	results := make([]TaskResult, 0, len(tasks))
	for _, t := range tasks {
		if !t.IsFinished() {
			continue
		}
		errs := t.Errors()
		var duration time.Duration
		if !t.StartedAt().IsZero() {
			duration = t.FinishedAt().Sub(t.StartedAt())
		}
		results = append(results, TaskResult{
			TaskID:    string(t.ID()),
			Name:      t.Name(),
			Success:   len(errs) == 0 && !t.IsCancelled(),
			Cancelled: t.IsCancelled(),
			Errors:    errs,
			Duration:  duration,
		})
	}
	return results, err
}

func (r *Runner) waitAll(ctx context.Context, tasks []*scheduler.Task) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		g.Go(func() error {
			select {
			case <-t.Done():
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

// Close finishes the journal run and releases the store if the runner opened
// it.
func (r *Runner) Close(ctx context.Context) error {
	var errs []error
	if r.journal != nil {
		if err := r.journal.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to finish journal run: %w", err))
		}
	}
	if err := r.closeStore(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Runner) closeStore() error {
	if !r.ownStore || r.store == nil {
		return nil
	}
	r.ownStore = false
	if err := r.store.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	return nil
}
