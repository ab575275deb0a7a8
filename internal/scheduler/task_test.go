package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitDone fails the test if any task does not finish in time.
func waitDone(t *testing.T, tasks ...*Task) {
	t.Helper()
	for _, task := range tasks {
		select {
		case <-task.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s (state %s)", task, task.State())
		}
	}
}

// waitIdle fails the test if s still has outstanding tasks after a while.
func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("scheduler did not drain: %v", err)
	}
}

// eventually polls cond until it holds or a deadline passes.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// expectUsageFault fails the test unless fn panics with a *UsageFault.
func expectUsageFault(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if _, ok := r.(*UsageFault); !ok {
			t.Fatalf("expected *UsageFault panic, got %v", r)
		}
	}()
	fn()
}

// eventRecorder records observer events in delivery order.
type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *eventRecorder) observer() BlockObserver {
	return BlockObserver{
		OnAttach:      func(*Task) { r.record("attach") },
		OnWillExecute: func(*Task) { r.record("will-execute") },
		OnProduce:     func(*Task, *Task) { r.record("produce") },
		OnCancel:      func(*Task, []error) { r.record("cancel") },
		OnWillFinish:  func(*Task, []error) { r.record("will-finish") },
		OnDidFinish:   func(*Task, []error) { r.record("did-finish") },
	}
}

func equalEvents(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TestTask_NewTaskDefaults verifies a fresh task's identity and state.
func TestTask_NewTaskDefaults(t *testing.T) {
	a := NewTask("a", nil)
	b := NewTask("a", nil)

	if a.ID() == b.ID() {
		t.Error("expected unique task IDs")
	}
	if a.State() != StateInitialized {
		t.Errorf("expected initialized, got %s", a.State())
	}
	if a.IsCancelled() || a.IsFinished() {
		t.Error("fresh task should be neither cancelled nor finished")
	}
	if len(a.Errors()) != 0 {
		t.Errorf("expected no errors, got %v", a.Errors())
	}
}

// TestTask_FinishIsIdempotent calls Finish concurrently from 100 goroutines
// and verifies exactly one DidFinish and one recorded error.
func TestTask_FinishIsIdempotent(t *testing.T) {
	const callers = 100
	var didFinish atomic.Int32

	task := NewTask("racy", func(ctx context.Context, task *Task) {
		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				task.Finish(fmt.Errorf("call %d", i))
			}(i)
		}
		close(start)
		wg.Wait()
	})
	task.AddObserver(BlockObserver{
		OnDidFinish: func(*Task, []error) { didFinish.Add(1) },
	})

	s := New(Config{})
	s.Add(task)
	waitIdle(t, s)

	// Allow any stray notifications to land
	time.Sleep(20 * time.Millisecond)

	if got := didFinish.Load(); got != 1 {
		t.Errorf("expected 1 DidFinish, got %d", got)
	}
	errs := task.Errors()
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d: %v", len(errs), errs)
	}
	var bodyErr *BodyError
	if !errors.As(errs[0], &bodyErr) {
		t.Errorf("expected BodyError, got %T", errs[0])
	}
}

// TestTask_FinishAfterFinishedIsDropped verifies Finished is terminal.
func TestTask_FinishAfterFinishedIsDropped(t *testing.T) {
	task := NewBlockTask("once", func(context.Context) error { return nil })
	New(Config{}).Add(task)
	waitDone(t, task)

	task.Finish(errors.New("late"))
	task.Cancel(errors.New("late cancel"))

	if task.State() != StateFinished {
		t.Errorf("expected finished, got %s", task.State())
	}
	if task.IsCancelled() {
		t.Error("cancel after finish should be dropped")
	}
	if len(task.Errors()) != 0 {
		t.Errorf("expected no errors, got %v", task.Errors())
	}
}

// TestTask_ObserverEventOrder verifies the full event sequence for a task
// that produces another task and fails.
func TestTask_ObserverEventOrder(t *testing.T) {
	rec := &eventRecorder{}
	produced := NewTask("produced", nil)

	task := NewTask("producer", func(ctx context.Context, task *Task) {
		task.Produce(produced)
		task.Finish(errors.New("boom"))
	})
	task.AddObserver(rec.observer())

	s := New(Config{})
	s.Add(task)
	waitIdle(t, s)

	want := []string{"attach", "will-execute", "produce", "will-finish", "did-finish"}
	if got := rec.get(); !equalEvents(got, want) {
		t.Errorf("expected events %v, got %v", want, got)
	}
	if got := task.Produced(); len(got) != 1 || got[0] != produced {
		t.Errorf("expected produced task to be recorded, got %v", got)
	}
}

// TestTask_CancelDuringExecutionIsCooperative verifies a running body
// observes cancellation through its context and finishes itself.
func TestTask_CancelDuringExecutionIsCooperative(t *testing.T) {
	rec := &eventRecorder{}
	started := make(chan struct{})
	errStop := errors.New("stop")

	task := NewTask("cooperative", func(ctx context.Context, task *Task) {
		close(started)
		<-ctx.Done()
		if !task.IsCancelled() {
			t.Error("expected IsCancelled inside body")
		}
		task.Finish(nil)
	})
	task.AddObserver(rec.observer())

	s := New(Config{})
	s.Add(task)
	<-started
	task.Cancel(errStop)
	waitIdle(t, s)

	want := []string{"attach", "will-execute", "cancel", "will-finish", "did-finish"}
	if got := rec.get(); !equalEvents(got, want) {
		t.Errorf("expected events %v, got %v", want, got)
	}
	errs := task.Errors()
	if len(errs) != 1 || !errors.Is(errs[0], errStop) {
		t.Errorf("expected cancellation error wrapping errStop, got %v", errs)
	}
	var cancelErr *CancellationError
	if !errors.As(errs[0], &cancelErr) {
		t.Errorf("expected CancellationError, got %T", errs[0])
	}
}

// TestTask_FinishFromCancelObserver verifies an observer may finish its task
// from DidCancel without deadlocking.
func TestTask_FinishFromCancelObserver(t *testing.T) {
	started := make(chan struct{})
	task := NewTask("self-finishing", func(ctx context.Context, task *Task) {
		close(started)
	})
	task.AddObserver(BlockObserver{
		OnCancel: func(task *Task, _ []error) { task.Finish(nil) },
	})

	New(Config{}).Add(task)
	<-started
	task.Cancel(nil)
	waitDone(t, task)

	if len(task.Errors()) != 0 {
		t.Errorf("expected no errors, got %v", task.Errors())
	}
}

// TestTask_PanicIsRecordedAsBodyError verifies panics never cross the task
// boundary.
func TestTask_PanicIsRecordedAsBodyError(t *testing.T) {
	task := NewTask("panics", func(ctx context.Context, task *Task) {
		panic("kaboom")
	})
	New(Config{}).Add(task)
	waitDone(t, task)

	errs := task.Errors()
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %v", errs)
	}
	var panicErr *PanicError
	if !errors.As(errs[0], &panicErr) {
		t.Fatalf("expected PanicError, got %T", errs[0])
	}
	if panicErr.Value != "kaboom" {
		t.Errorf("expected panic value kaboom, got %v", panicErr.Value)
	}
}

// TestTask_Timeout verifies a timeout cancels the task with a TimeoutError.
func TestTask_Timeout(t *testing.T) {
	task := NewTask("slow", func(ctx context.Context, task *Task) {
		<-ctx.Done()
		task.Finish(nil)
	})
	task.SetTimeout(30 * time.Millisecond)

	New(Config{}).Add(task)
	waitDone(t, task)

	if !task.IsCancelled() {
		t.Error("expected timed out task to be cancelled")
	}
	var timeoutErr *TimeoutError
	if err := task.Err(); !errors.As(err, &timeoutErr) {
		t.Errorf("expected TimeoutError, got %v", err)
	}
}

// TestTask_DelayTask verifies the delay task finishes after its duration.
func TestTask_DelayTask(t *testing.T) {
	task := NewDelayTask("delay", 40*time.Millisecond)
	start := time.Now()
	New(Config{}).Add(task)
	waitDone(t, task)

	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("delay finished too early: %v", elapsed)
	}
}

// TestTask_UsageFaults verifies contract violations panic with UsageFault.
func TestTask_UsageFaults(t *testing.T) {
	t.Run("finish before execution", func(t *testing.T) {
		expectUsageFault(t, func() { NewTask("x", nil).Finish(nil) })
	})

	t.Run("self dependency", func(t *testing.T) {
		a := NewTask("a", nil)
		expectUsageFault(t, func() { a.AddDependency(a) })
	})

	t.Run("cycle", func(t *testing.T) {
		a := NewTask("a", nil)
		b := NewTask("b", nil)
		c := NewTask("c", nil)
		b.AddDependency(a)
		c.AddDependency(b)
		expectUsageFault(t, func() { a.AddDependency(c) })
	})

	t.Run("double admission", func(t *testing.T) {
		a := NewTask("a", nil)
		s := New(Config{})
		s.Add(a)
		expectUsageFault(t, func() { s.Add(a) })
		expectUsageFault(t, func() { New(Config{}).Add(a) })
	})

	t.Run("mutation after admission", func(t *testing.T) {
		release := make(chan struct{})
		a := NewTask("a", func(ctx context.Context, task *Task) {
			<-release
			task.Finish(nil)
		})
		New(Config{}).Add(a)
		defer close(release)

		expectUsageFault(t, func() { a.AddObserver(BaseObserver{}) })
		expectUsageFault(t, func() { a.AddCondition(MutuallyExclusive("x")) })
		expectUsageFault(t, func() { a.AddDependency(NewTask("b", nil)) })
	})

	t.Run("produce before admission", func(t *testing.T) {
		expectUsageFault(t, func() { NewTask("a", nil).Produce(NewTask("b", nil)) })
	})
}

// TestTask_Then verifies chaining adds a dependency.
func TestTask_Then(t *testing.T) {
	a := NewTask("a", nil)
	b := a.Then(NewTask("b", nil))

	deps := b.Dependencies()
	if len(deps) != 1 || deps[0] != a {
		t.Errorf("expected b to depend on a, got %v", deps)
	}
}

// TestState_String verifies state names.
func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateInitialized, "initialized"},
		{StatePending, "pending"},
		{StateEvaluatingConditions, "evaluating-conditions"},
		{StateReady, "ready"},
		{StateExecuting, "executing"},
		{StateFinishing, "finishing"},
		{StateFinished, "finished"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

// TestTask_CancelWhileFinishing verifies a cancel that arrives while the task
// is finishing sets the flag without changing the reported errors.
func TestTask_CancelWhileFinishing(t *testing.T) {
	var reported []error
	task := NewTask("finishing", nil)
	task.AddObserver(BlockObserver{
		OnWillFinish: func(task *Task, _ []error) {
			task.Cancel(errors.New("too late"))
		},
		OnDidFinish: func(_ *Task, errs []error) {
			reported = errs
		},
	})

	New(Config{}).Add(task)
	waitDone(t, task)

	if !task.IsCancelled() {
		t.Error("expected cancel during finishing to set the flag")
	}
	if len(reported) != 0 || task.Err() != nil {
		t.Errorf("expected no errors, got reported=%v err=%v", reported, task.Err())
	}

	// Once finished, Cancel is a no-op
	done := NewTask("done", nil)
	New(Config{}).Add(done)
	waitDone(t, done)
	done.Cancel(errors.New("after"))
	if done.IsCancelled() {
		t.Error("expected cancel after finishing to be ignored")
	}
}
