package scheduler

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

var (
	// ErrConditionDependencyFailed is recorded when a condition's prerequisite
	// task finished with errors. The condition itself is not evaluated.
	ErrConditionDependencyFailed = errors.New("condition dependency finished with errors")

	// ErrDependencyFailed is returned by NoFailedDependencies.
	ErrDependencyFailed = errors.New("dependency finished with errors")

	// ErrDependencyCancelled is returned by NoCancelledDependencies.
	ErrDependencyCancelled = errors.New("dependency was cancelled")

	// ErrParentCancelled is the cancellation cause given to the children of a
	// cancelled group.
	ErrParentCancelled = errors.New("parent group was cancelled")

	// ErrFalseCondition is returned by a negated condition whose inner
	// condition succeeded.
	ErrFalseCondition = errors.New("condition is false")
)

// ConditionFailure records a condition that prevented its task from executing.
type ConditionFailure struct {
	Condition string
	Err       error
}

func (e *ConditionFailure) Error() string {
	return fmt.Sprintf("condition %q failed: %v", e.Condition, e.Err)
}

func (e *ConditionFailure) Unwrap() error { return e.Err }

// CancellationError carries the error passed to Task.Cancel.
type CancellationError struct {
	Err error
}

func (e *CancellationError) Error() string {
	if e.Err == nil {
		return "task cancelled"
	}
	return fmt.Sprintf("task cancelled: %v", e.Err)
}

func (e *CancellationError) Unwrap() error { return e.Err }

// BodyError is an explicit failure reported by a task body through Finish.
type BodyError struct {
	Task string
	Err  error
}

func (e *BodyError) Error() string {
	return fmt.Sprintf("task %q failed: %v", e.Task, e.Err)
}

func (e *BodyError) Unwrap() error { return e.Err }

// TimeoutError is the cancellation cause used when a task exceeds its timeout.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s", e.After)
}

// PanicError wraps a value recovered from a panicking body or condition,
// together with the stack at the point of the panic.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", e.Value, e.Stack)
}

func newPanicError(v any) *PanicError {
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	return &PanicError{Value: v, Stack: string(buf[:n])}
}

// UsageFault signals a violated caller contract: a dependency cycle, a task
// admitted twice, a task mutated after admission, or Finish called on a task
// that never started executing. It is raised with panic and is never recorded
// in a task's error list.
type UsageFault struct {
	Reason string
}

func (e *UsageFault) Error() string {
	return "scheduler usage fault: " + e.Reason
}

func usageFault(format string, args ...any) {
	panic(&UsageFault{Reason: fmt.Sprintf(format, args...)})
}

// isTaskError reports whether err already carries one of the task error kinds.
func isTaskError(err error) bool {
	var (
		body   *BodyError
		cond   *ConditionFailure
		cancel *CancellationError
	)
	return errors.As(err, &body) || errors.As(err, &cond) || errors.As(err, &cancel)
}
