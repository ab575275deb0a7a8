package scheduler

import (
	"context"
	"log"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Delegate is notified of every admission and every completion on a
// scheduler, including those of group children running on private
// schedulers below it.
type Delegate interface {
	WillAdd(t *Task)
	DidFinish(t *Task, errs []error)
}

// ExecutionDelegate is an optional Delegate extension notified right before a
// task body runs.
type ExecutionDelegate interface {
	WillExecute(t *Task)
}

func notifyWillExecute(d Delegate, t *Task) {
	if ed, ok := d.(ExecutionDelegate); ok {
		ed.WillExecute(t)
	}
}

// MultiDelegate fans notifications out to several delegates in order.
type MultiDelegate []Delegate

func (m MultiDelegate) WillAdd(t *Task) {
	for _, d := range m {
		d.WillAdd(t)
	}
}

func (m MultiDelegate) WillExecute(t *Task) {
	for _, d := range m {
		notifyWillExecute(d, t)
	}
}

func (m MultiDelegate) DidFinish(t *Task, errs []error) {
	for _, d := range m {
		d.DidFinish(t, errs)
	}
}

// LogDelegate prints admissions and completions.
type LogDelegate struct {
	Logger *log.Logger // Defaults to log.Default()
}

func (d LogDelegate) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.Default()
}

func (d LogDelegate) WillAdd(t *Task) {
	d.logger().Printf("adding %s", t)
}

func (d LogDelegate) DidFinish(t *Task, errs []error) {
	if len(errs) > 0 {
		d.logger().Printf("WARNING: %s finished with errors: %v", t, errs)
		return
	}
	d.logger().Printf("%s finished", t)
}

// Config configures a Scheduler.
type Config struct {
	MaxConcurrent  int                  // Max concurrently executing bodies; <= 0 means unlimited
	DefaultTimeout time.Duration        // Applied to tasks without their own timeout; 0 disables
	Registry       *ExclusivityRegistry // Shared exclusivity state; a private one is created if nil
	Delegate       Delegate             // Optional
}

// Scheduler admits tasks, wires their dependencies, conditions and
// exclusivity, and dispatches ready tasks to a bounded worker pool.
type Scheduler struct {
	config   Config
	registry *ExclusivityRegistry
	delegate Delegate
	sem      *semaphore.Weighted // nil when unlimited

	// Set on the private scheduler of a group: events of nested groups skip
	// the group and go straight to upstream.
	private  bool
	upstream Delegate

	mu        sync.Mutex
	dag       *DAG
	suspended bool
	held      []*Task       // ready tasks parked while suspended
	drained   chan struct{} // closed whenever the graph becomes empty
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Registry == nil {
		cfg.Registry = NewExclusivityRegistry()
	}

	s := &Scheduler{
		config:   cfg,
		registry: cfg.Registry,
		delegate: cfg.Delegate,
		dag:      newDAG(),
		drained:  make(chan struct{}),
	}
	close(s.drained)

	if cfg.MaxConcurrent > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return s
}

// forwardTo returns the delegate that descendants running on nested private
// schedulers report to.
func (s *Scheduler) forwardTo() Delegate {
	if s.private {
		return s.upstream
	}
	return s.delegate
}

// Registry returns the exclusivity registry used by the scheduler.
func (s *Scheduler) Registry() *ExclusivityRegistry { return s.registry }

// Add admits tasks. Each task is admitted exactly once; admitting a task
// twice, or a task whose dependencies form a cycle, is a usage fault.
func (s *Scheduler) Add(tasks ...*Task) {
	for _, t := range tasks {
		s.add(t)
	}
}

// AddAndWait admits tasks and blocks until all of them have finished or ctx
// is done. Task failures are reported through each task's Errors, not here.
func (s *Scheduler) AddAndWait(ctx context.Context, tasks ...*Task) error {
	s.Add(tasks...)

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

// Wait blocks until the scheduler has no outstanding tasks or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	drained := s.drained
	s.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of admitted tasks that have not finished.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dag.len()
}

// Tasks returns the admitted tasks that have not finished.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dag.tasks()
}

// Order returns the outstanding tasks in a valid execution order.
func (s *Scheduler) Order() ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dag.order()
}

// CancelAll cancels every outstanding task with err.
func (s *Scheduler) CancelAll(err error) {
	for _, t := range s.Tasks() {
		t.Cancel(err)
	}
}

// SetSuspended stops or resumes dispatching. While suspended, tasks still
// move through dependency and condition evaluation but wait before executing.
// Resuming dispatches them in the order they became ready.
func (s *Scheduler) SetSuspended(suspended bool) {
	s.mu.Lock()
	s.suspended = suspended
	var held []*Task
	if !suspended {
		held = s.held
		s.held = nil
	}
	s.mu.Unlock()

	for _, t := range held {
		s.dispatch(t)
	}
}

// IsSuspended reports whether dispatching is stopped.
func (s *Scheduler) IsSuspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

func (s *Scheduler) add(t *Task) {
	if t == nil {
		usageFault("nil task added")
	}

	t.mu.Lock()
	if t.scheduler != nil || t.State() != StateInitialized {
		t.mu.Unlock()
		usageFault("%s admitted twice", t)
	}
	t.scheduler = s
	if t.timeout == 0 {
		t.timeout = s.config.DefaultTimeout
	}
	timeout := t.timeout
	t.mu.Unlock()

	// Condition prerequisites run after t's own dependencies and before t.
	for _, c := range t.Conditions() {
		dep := dependencyOf(c)
		if dep == nil {
			continue
		}
		if dep.Scheduler() == nil && dep.State() == StateInitialized {
			dep.addDependencies(slices.DeleteFunc(t.Dependencies(), func(d *Task) bool {
				return d == dep
			})...)
			s.add(dep)
		}
		t.addDependencies(dep)
	}

	categories := categoriesOf(t.Conditions())
	if len(categories) > 0 {
		t.addObserver(&exclusivityObserver{registry: s.registry, categories: categories})
	}
	if timeout > 0 {
		t.addObserver(NewTimeoutObserver(timeout))
	}

	s.mu.Lock()
	n := s.dag.add(t)
	if _, err := s.dag.order(); err != nil {
		s.dag.remove(t)
		s.mu.Unlock()
		usageFault("admitting %s: %v", t, err)
	}
	if s.dag.len() == 1 {
		s.drained = make(chan struct{})
	}
	s.mu.Unlock()

	// Only tasks that passed the cycle check are reported.
	if s.delegate != nil {
		s.delegate.WillAdd(t)
	}

	t.whenFinished(s.finished)
	t.whenCancelled(s.cancelled)

	// Wiring happens before the task turns pending; the admission guard keeps
	// it from being evaluated until everything is registered.
	for _, dep := range t.Dependencies() {
		s.mu.Lock()
		n.waiting++
		s.mu.Unlock()

		if !dep.whenFinished(func(*Task) { s.release(n) }) {
			s.release(n)
		}
	}

	if len(categories) > 0 {
		s.mu.Lock()
		n.waiting += len(categories)
		s.mu.Unlock()

		held := s.registry.Admit(t, categories, func() { s.release(n) })
		for range held {
			s.release(n)
		}
	}

	if !t.transition(StateInitialized, StatePending) {
		usageFault("%s changed state during admission", t)
	}

	if t.IsCancelled() {
		t.finish()
	}

	// Drop the admission guard
	s.release(n)
}

// release decrements the wait count of n and starts condition evaluation
// once nothing is left to wait on.
func (s *Scheduler) release(n *node) {
	s.mu.Lock()
	n.waiting--
	ready := n.waiting == 0
	s.mu.Unlock()

	if ready {
		go s.evaluate(n.task)
	}
}

// cancelled finishes a cancelled task that has not started executing.
func (s *Scheduler) cancelled(t *Task) {
	if st := t.State(); st >= StatePending && st < StateExecuting {
		t.finish()
	}
}

// finished notifies the delegate and removes t from the graph.
func (s *Scheduler) finished(t *Task) {
	if s.delegate != nil {
		s.delegate.DidFinish(t, t.Errors())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.dag.remove(t)
	if s.dag.len() == 0 {
		select {
		case <-s.drained:
		default:
			close(s.drained)
		}
	}
}
