package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// TaskID uniquely identifies a task.
type TaskID string

// Body is the execution entry point of a task. It runs on a worker goroutine
// once every dependency has finished and every condition has succeeded.
// The body must call t.Finish on every exit path, possibly from another
// goroutine after it returns. ctx is cancelled when the task is cancelled.
type Body func(ctx context.Context, t *Task)

// Task is a schedulable unit of work.
type Task struct {
	id   TaskID
	name string
	body Body

	state     atomic.Int32
	cancelled atomic.Bool

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	events eventQueue

	mu           sync.Mutex
	scheduler    *Scheduler
	dependencies []*Task
	conditions   []Condition
	observers    []Observer
	errs         []error
	produced     []*Task
	timeout      time.Duration
	finishHooks  []func(*Task)
	cancelHooks  []func(*Task)
	startedAt    time.Time
	finishedAt   time.Time
}

// NewTask creates a task in StateInitialized. A nil body finishes without error
// as soon as the task executes.
func NewTask(name string, body Body) *Task {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Task{
		id:     TaskID(uuid.NewString()),
		name:   name,
		body:   body,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// NewBlockTask creates a task whose body runs fn and finishes with its result.
func NewBlockTask(name string, fn func(ctx context.Context) error) *Task {
	return NewTask(name, func(ctx context.Context, t *Task) {
		t.Finish(fn(ctx))
	})
}

// NewDelayTask creates a task that finishes after d, or as soon as it is
// cancelled.
func NewDelayTask(name string, d time.Duration) *Task {
	return NewTask(name, func(ctx context.Context, t *Task) {
		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		t.Finish(nil)
	})
}

func (t *Task) ID() TaskID { return t.id }

func (t *Task) Name() string { return t.name }

func (t *Task) String() string {
	id := string(t.id)
	if len(id) > 8 {
		id = id[:8]
	}
	if t.name == "" {
		return id
	}
	return fmt.Sprintf("%s(%s)", t.name, id)
}

// State returns the current lifecycle state.
func (t *Task) State() State { return State(t.state.Load()) }

func (t *Task) IsCancelled() bool { return t.cancelled.Load() }

func (t *Task) IsFinished() bool { return t.State() == StateFinished }

// Context returns the task's cancellation token. It is done once the task is
// cancelled or finished.
func (t *Task) Context() context.Context { return t.ctx }

// Done is closed once the task has finished and every DidFinish observer and
// the scheduler's delegate have been notified.
func (t *Task) Done() <-chan struct{} { return t.done }

// Errors returns a copy of the accumulated errors.
func (t *Task) Errors() []error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.errs)
}

// Err joins the accumulated errors, or returns nil if there are none.
func (t *Task) Err() error {
	return errors.Join(t.Errors()...)
}

// Dependencies returns the tasks this task waits on.
func (t *Task) Dependencies() []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.dependencies)
}

// Conditions returns the attached conditions in attachment order.
func (t *Task) Conditions() []Condition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.conditions)
}

// Produced returns the tasks spawned through Produce.
func (t *Task) Produced() []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.produced)
}

// StartedAt returns when the body began executing, or the zero time.
func (t *Task) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt
}

// FinishedAt returns when the task entered StateFinishing, or the zero time.
func (t *Task) FinishedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishedAt
}

// Scheduler returns the scheduler that admitted the task, or nil.
func (t *Task) Scheduler() *Scheduler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scheduler
}

// AddDependency makes t wait until every dep has finished. Adding a
// dependency that would close a cycle is a usage fault.
func (t *Task) AddDependency(deps ...*Task) {
	t.mustBeMutable("AddDependency")
	for _, dep := range deps {
		if dep == nil {
			continue
		}
		if dep == t || dependsOn(dep, t) {
			usageFault("dependency %s -> %s would close a cycle", t, dep)
		}
	}
	t.addDependencies(deps...)
}

// Then makes next depend on t and returns next.
func (t *Task) Then(next *Task) *Task {
	next.AddDependency(t)
	return next
}

// AddCondition attaches a condition evaluated before the body runs.
func (t *Task) AddCondition(c Condition) {
	t.mustBeMutable("AddCondition")
	t.mu.Lock()
	t.conditions = append(t.conditions, c)
	t.mu.Unlock()
}

// AddObserver attaches an observer. Observers must be attached before the
// task is admitted.
func (t *Task) AddObserver(o Observer) {
	t.mustBeMutable("AddObserver")
	t.addObserver(o)
}

// SetTimeout cancels the task with a TimeoutError if it is still executing d
// after its body started.
func (t *Task) SetTimeout(d time.Duration) {
	t.mustBeMutable("SetTimeout")
	t.mu.Lock()
	t.timeout = d
	t.mu.Unlock()
}

// Cancel marks the task cancelled and records err, if given, as a
// CancellationError. It never blocks. A task that has not started executing
// is finished by its scheduler without running the body; a running body is
// expected to observe ctx.Done or IsCancelled and call Finish itself.
// Only the first call before the task reaches StateFinished has any effect.
// Cancelling a finishing task only sets the flag: its errors and observer
// notifications are already settled.
func (t *Task) Cancel(err error) {
	t.mu.Lock()
	if t.State() >= StateFinished || t.cancelled.Load() {
		t.mu.Unlock()
		return
	}
	t.cancelled.Store(true)
	if t.State() == StateFinishing {
		t.mu.Unlock()
		return
	}
	if err != nil {
		t.errs = append(t.errs, &CancellationError{Err: err})
	}
	errs := slices.Clone(t.errs)
	observers := slices.Clone(t.observers)
	hooks := slices.Clone(t.cancelHooks)
	drain := t.events.enqueue(func() {
		for _, o := range observers {
			o.DidCancel(t, errs)
		}
		for _, hook := range hooks {
			hook(t)
		}
	})
	t.mu.Unlock()

	if err == nil {
		err = context.Canceled
	}
	t.cancel(err)

	if drain {
		t.events.drain()
	}
}

// Finish completes the task. It is safe to call from any number of goroutines:
// exactly one call wins, records err as a BodyError, and notifies observers
// with WillFinish then DidFinish. Every other call is a no-op. Calling Finish
// on a task that never began executing is a usage fault.
func (t *Task) Finish(err error) {
	if s := t.State(); s < StateExecuting {
		usageFault("Finish called on %s in state %s", t, s)
	}
	if err != nil && !isTaskError(err) {
		err = &BodyError{Task: t.name, Err: err}
	}
	t.finish(err)
}

// Produce admits p into the scheduler that owns t and notifies observers
// with DidProduce. t does not wait for p.
func (t *Task) Produce(p *Task) {
	t.mu.Lock()
	s := t.scheduler
	if s == nil {
		t.mu.Unlock()
		usageFault("%s produced %s before being admitted", t, p)
	}
	t.produced = append(t.produced, p)
	t.mu.Unlock()

	s.Add(p)

	t.emit(func(observers []Observer) {
		for _, o := range observers {
			o.DidProduce(t, p)
		}
	})
}

// finish performs the single atomic transition into StateFinishing. The winner
// appends errs and schedules the finishing notifications.
func (t *Task) finish(errs ...error) bool {
	for {
		cur := t.State()
		if cur >= StateFinishing {
			return false
		}
		if t.state.CompareAndSwap(int32(cur), int32(StateFinishing)) {
			break
		}
	}

	t.mu.Lock()
	for _, err := range errs {
		if err != nil {
			t.errs = append(t.errs, err)
		}
	}
	t.finishedAt = time.Now()
	final := slices.Clone(t.errs)
	observers := slices.Clone(t.observers)
	drain := t.events.enqueue(func() {
		for _, o := range observers {
			o.WillFinish(t, final)
		}

		t.mu.Lock()
		t.state.Store(int32(StateFinished))
		hooks := t.finishHooks
		t.finishHooks = nil
		t.mu.Unlock()

		t.cancel(context.Canceled)

		for _, o := range observers {
			o.DidFinish(t, final)
		}
		for _, hook := range hooks {
			hook(t)
		}
		// Done waiters see every DidFinish, delegate included.
		close(t.done)
	})
	t.mu.Unlock()

	if drain {
		t.events.drain()
	}
	return true
}

// emit delivers an observer event through the task's event queue.
func (t *Task) emit(fn func([]Observer)) {
	t.mu.Lock()
	observers := slices.Clone(t.observers)
	drain := t.events.enqueue(func() { fn(observers) })
	t.mu.Unlock()

	if drain {
		t.events.drain()
	}
}

// emitAndWait is emit, but returns only once the event has been delivered.
func (t *Task) emitAndWait(fn func([]Observer)) {
	delivered := make(chan struct{})
	t.emit(func(observers []Observer) {
		fn(observers)
		close(delivered)
	})
	<-delivered
}

// whenFinished registers hook to run after DidFinish. It reports false, without
// registering, if the task has already finished.
func (t *Task) whenFinished(hook func(*Task)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State() == StateFinished {
		return false
	}
	t.finishHooks = append(t.finishHooks, hook)
	return true
}

func (t *Task) whenCancelled(hook func(*Task)) {
	t.mu.Lock()
	t.cancelHooks = append(t.cancelHooks, hook)
	t.mu.Unlock()
}

// appendErrors records errs on a task that has not begun finishing.
func (t *Task) appendErrors(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State() >= StateFinishing {
		return
	}
	t.errs = append(t.errs, errs...)
}

func (t *Task) transition(from, to State) bool {
	return t.state.CompareAndSwap(int32(from), int32(to))
}

func (t *Task) mustBeMutable(op string) {
	t.mu.Lock()
	admitted := t.scheduler != nil
	t.mu.Unlock()

	if admitted || t.State() != StateInitialized {
		usageFault("%s on %s after admission", op, t)
	}
}

func (t *Task) addDependencies(deps ...*Task) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, dep := range deps {
		if dep == nil || dep == t || slices.Contains(t.dependencies, dep) {
			continue
		}
		t.dependencies = append(t.dependencies, dep)
	}
}

func (t *Task) addObserver(o Observer) {
	t.mu.Lock()
	t.observers = append(t.observers, o)
	t.mu.Unlock()

	o.DidAttach(t)
}

// dependsOn reports whether from transitively depends on target.
func dependsOn(from, target *Task) bool {
	seen := map[*Task]bool{}
	stack := from.Dependencies()
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if next == target {
			return true
		}
		if seen[next] {
			continue
		}
		seen[next] = true
		stack = append(stack, next.Dependencies()...)
	}
	return false
}
