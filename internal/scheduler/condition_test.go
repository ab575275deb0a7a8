package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func succeed(name string) Condition {
	return BlockCondition(name, func(context.Context, *Task) error { return nil })
}

func fail(name string, err error) Condition {
	return BlockCondition(name, func(context.Context, *Task) error { return err })
}

// TestConditions_AllEvaluated verifies every condition runs and each failure
// is recorded, with the body skipped.
func TestConditions_AllEvaluated(t *testing.T) {
	var evaluated atomic.Int32
	var bodyRan atomic.Bool

	counting := func(name string, err error) Condition {
		return BlockCondition(name, func(context.Context, *Task) error {
			evaluated.Add(1)
			return err
		})
	}

	task := NewBlockTask("gated", func(context.Context) error {
		bodyRan.Store(true)
		return nil
	})
	task.AddCondition(counting("first", errors.New("first failed")))
	task.AddCondition(counting("second", nil))
	task.AddCondition(counting("third", errors.New("third failed")))

	New(Config{}).Add(task)
	waitDone(t, task)

	if bodyRan.Load() {
		t.Error("body should not run when a condition fails")
	}
	if got := evaluated.Load(); got != 3 {
		t.Errorf("expected 3 evaluations, got %d", got)
	}

	errs := task.Errors()
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(errs), errs)
	}
	for i, want := range []string{"first", "third"} {
		var failure *ConditionFailure
		if !errors.As(errs[i], &failure) {
			t.Fatalf("error %d: expected ConditionFailure, got %T", i, errs[i])
		}
		if failure.Condition != want {
			t.Errorf("error %d: expected condition %q, got %q", i, want, failure.Condition)
		}
	}
}

// TestConditions_Wrappers verifies the outcome of each condition combinator.
func TestConditions_Wrappers(t *testing.T) {
	errNope := errors.New("nope")

	tests := []struct {
		name       string
		condition  Condition
		expectRun  bool
		expectErrs int
		expectIs   error
	}{
		{
			name:      "Block success",
			condition: succeed("ok"),
			expectRun: true,
		},
		{
			name:       "Block failure",
			condition:  fail("bad", errNope),
			expectErrs: 1,
			expectIs:   errNope,
		},
		{
			name:      "Negated failure runs",
			condition: Negated(fail("bad", errNope)),
			expectRun: true,
		},
		{
			name:       "Negated success fails",
			condition:  Negated(succeed("ok")),
			expectErrs: 1,
			expectIs:   ErrFalseCondition,
		},
		{
			name:       "Ignored failure records nothing",
			condition:  Ignored(fail("bad", errNope)),
			expectErrs: 0,
		},
		{
			name:      "Silent success",
			condition: Silent(succeed("ok")),
			expectRun: true,
		},
		{
			name:      "Mutually exclusive alone",
			condition: MutuallyExclusive("solo"),
			expectRun: true,
		},
		{
			name:       "Panicking condition",
			condition:  BlockCondition("panics", func(context.Context, *Task) error { panic("oops") }),
			expectErrs: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ran atomic.Bool
			task := NewBlockTask(tt.name, func(context.Context) error {
				ran.Store(true)
				return nil
			})
			task.AddCondition(tt.condition)

			New(Config{}).Add(task)
			waitDone(t, task)

			if ran.Load() != tt.expectRun {
				t.Errorf("expected run=%v, got %v", tt.expectRun, ran.Load())
			}
			errs := task.Errors()
			if len(errs) != tt.expectErrs {
				t.Fatalf("expected %d errors, got %v", tt.expectErrs, errs)
			}
			if tt.expectIs != nil && !errors.Is(errs[0], tt.expectIs) {
				t.Errorf("expected error matching %v, got %v", tt.expectIs, errs[0])
			}
		})
	}
}

// TestConditions_DependencyTaskRunsFirst verifies a condition's prerequisite
// is admitted, runs after the task's own dependencies, and finishes before
// evaluation.
func TestConditions_DependencyTaskRunsFirst(t *testing.T) {
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}

	own := NewBlockTask("own", record("own"))
	prereq := NewBlockTask("prereq", record("prereq"))
	task := NewBlockTask("task", record("task"))
	task.AddDependency(own)

	var sawFinished bool
	task.AddCondition(WithDependency(BlockCondition("check", func(context.Context, *Task) error {
		sawFinished = prereq.IsFinished()
		return nil
	}), prereq))

	s := New(Config{MaxConcurrent: 1})
	s.Add(own, task)
	waitIdle(t, s)

	if prereq.Scheduler() != s {
		t.Error("prerequisite should be admitted to the same scheduler")
	}
	if !sawFinished {
		t.Error("condition evaluated before its prerequisite finished")
	}
	want := []string{"own", "prereq", "task"}
	if !equalEvents(order, want) {
		t.Errorf("expected order %v, got %v", want, order)
	}
}

// TestConditions_FailedDependencyTaskSkipsEvaluation verifies the policy for
// prerequisites that finish with errors.
func TestConditions_FailedDependencyTaskSkipsEvaluation(t *testing.T) {
	var evaluated, ran atomic.Bool

	prereq := NewBlockTask("permission", func(context.Context) error { return errors.New("denied") })
	task := NewBlockTask("task", func(context.Context) error {
		ran.Store(true)
		return nil
	})
	task.AddCondition(WithDependency(BlockCondition("authorized", func(context.Context, *Task) error {
		evaluated.Store(true)
		return nil
	}), prereq))

	s := New(Config{})
	s.Add(task)
	waitIdle(t, s)

	if evaluated.Load() {
		t.Error("condition should not be evaluated when its prerequisite failed")
	}
	if ran.Load() {
		t.Error("body should not run")
	}
	if err := task.Err(); !errors.Is(err, ErrConditionDependencyFailed) {
		t.Errorf("expected ErrConditionDependencyFailed, got %v", err)
	}
}

// TestConditions_SilentDoesNotProduce verifies Silent skips the prerequisite.
func TestConditions_SilentDoesNotProduce(t *testing.T) {
	prereq := NewTask("prereq", nil)
	task := NewTask("task", nil)
	task.AddCondition(Silent(WithDependency(succeed("ok"), prereq)))

	s := New(Config{})
	s.Add(task)
	waitIdle(t, s)

	if prereq.Scheduler() != nil {
		t.Error("silent condition should not admit its prerequisite")
	}
}

// TestConditions_DependencyRequirements verifies NoFailedDependencies and
// NoCancelledDependencies.
func TestConditions_DependencyRequirements(t *testing.T) {
	t.Run("no failed dependencies", func(t *testing.T) {
		dep := NewBlockTask("dep", func(context.Context) error { return errors.New("bad") })
		task := NewTask("task", nil)
		task.AddDependency(dep)
		task.AddCondition(NoFailedDependencies())

		s := New(Config{})
		s.Add(dep, task)
		waitIdle(t, s)

		if err := task.Err(); !errors.Is(err, ErrDependencyFailed) {
			t.Errorf("expected ErrDependencyFailed, got %v", err)
		}
	})

	t.Run("no cancelled dependencies", func(t *testing.T) {
		dep := NewTask("dep", nil)
		dep.Cancel(nil)
		task := NewTask("task", nil)
		task.AddDependency(dep)
		task.AddCondition(NoCancelledDependencies())

		s := New(Config{})
		s.Add(dep, task)
		waitIdle(t, s)

		if err := task.Err(); !errors.Is(err, ErrDependencyCancelled) {
			t.Errorf("expected ErrDependencyCancelled, got %v", err)
		}
	})

	t.Run("healthy dependencies", func(t *testing.T) {
		dep := NewTask("dep", nil)
		task := NewTask("task", nil)
		task.AddDependency(dep)
		task.AddCondition(NoFailedDependencies())
		task.AddCondition(NoCancelledDependencies())

		s := New(Config{})
		s.Add(dep, task)
		waitIdle(t, s)

		if err := task.Err(); err != nil {
			t.Errorf("expected no errors, got %v", err)
		}
	})
}

// TestConditions_CategoriesOf verifies categories are collected through
// wrappers, sorted and de-duplicated.
func TestConditions_CategoriesOf(t *testing.T) {
	got := categoriesOf([]Condition{
		MutuallyExclusive("b"),
		Negated(MutuallyExclusive("a")),
		MutuallyExclusive("b"),
		succeed("plain"),
	})
	want := []string{"a", "b"}
	if !equalEvents(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}
