package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// Condition gates the execution of the task it is attached to. Evaluate runs
// after the task's dependencies have finished and may block; ctx is the
// task's cancellation token. A nil return means the condition is satisfied.
type Condition interface {
	Name() string
	Evaluate(ctx context.Context, t *Task) error
}

// ExclusiveCondition is implemented by conditions that require their task to
// run alone within a named category.
type ExclusiveCondition interface {
	Condition
	MutuallyExclusiveCategory() string
}

// DependentCondition is implemented by conditions that need a prerequisite
// task to finish before they are evaluated. The scheduler admits the task if
// it has not been admitted yet and makes the condition's task depend on it.
type DependentCondition interface {
	Condition
	DependencyTask() *Task
}

func categoryOf(c Condition) string {
	if ec, ok := c.(ExclusiveCondition); ok {
		return ec.MutuallyExclusiveCategory()
	}
	return ""
}

func dependencyOf(c Condition) *Task {
	if dc, ok := c.(DependentCondition); ok {
		return dc.DependencyTask()
	}
	return nil
}

// categoriesOf returns the sorted, de-duplicated exclusivity categories.
func categoriesOf(conditions []Condition) []string {
	var categories []string
	for _, c := range conditions {
		if category := categoryOf(c); category != "" && !slices.Contains(categories, category) {
			categories = append(categories, category)
		}
	}
	slices.Sort(categories)
	return categories
}

// evaluateConditions runs every condition in attachment order without
// short-circuiting. It reports whether all succeeded, along with one
// ConditionFailure per failed, non-ignored condition.
func evaluateConditions(ctx context.Context, t *Task) (bool, []error) {
	ok := true
	var failures []error
	for _, c := range t.Conditions() {
		err := evaluateCondition(ctx, t, c)
		if err == nil {
			continue
		}
		ok = false

		var ignored *ignoredError
		if errors.As(err, &ignored) {
			continue
		}
		failures = append(failures, &ConditionFailure{Condition: c.Name(), Err: err})
	}
	return ok, failures
}

func evaluateCondition(ctx context.Context, t *Task, c Condition) (err error) {
	if dep := dependencyOf(c); dep != nil && len(dep.Errors()) > 0 {
		return fmt.Errorf("%w: %s", ErrConditionDependencyFailed, dep)
	}

	defer func() {
		if r := recover(); r != nil {
			err = newPanicError(r)
		}
	}()
	return c.Evaluate(ctx, t)
}

type blockCondition struct {
	name string
	fn   func(ctx context.Context, t *Task) error
}

// BlockCondition creates a condition from fn.
func BlockCondition(name string, fn func(ctx context.Context, t *Task) error) Condition {
	return &blockCondition{name: name, fn: fn}
}

func (c *blockCondition) Name() string { return c.name }

func (c *blockCondition) Evaluate(ctx context.Context, t *Task) error {
	return c.fn(ctx, t)
}

type mutuallyExclusive struct {
	category string
}

// MutuallyExclusive creates a condition that always succeeds but allows only
// one task in category to execute at a time, in admission order.
func MutuallyExclusive(category string) Condition {
	return &mutuallyExclusive{category: category}
}

func (c *mutuallyExclusive) Name() string { return "MutuallyExclusive<" + c.category + ">" }

func (c *mutuallyExclusive) Evaluate(context.Context, *Task) error { return nil }

func (c *mutuallyExclusive) MutuallyExclusiveCategory() string { return c.category }

// wrapped forwards the optional capabilities of an inner condition.
type wrapped struct {
	inner Condition
}

func (w wrapped) MutuallyExclusiveCategory() string { return categoryOf(w.inner) }

func (w wrapped) DependencyTask() *Task { return dependencyOf(w.inner) }

type withDependency struct {
	wrapped
	dep *Task
}

// WithDependency attaches a prerequisite task to c.
func WithDependency(c Condition, dep *Task) Condition {
	return &withDependency{wrapped: wrapped{inner: c}, dep: dep}
}

func (c *withDependency) Name() string { return c.inner.Name() }

func (c *withDependency) Evaluate(ctx context.Context, t *Task) error {
	return c.inner.Evaluate(ctx, t)
}

func (c *withDependency) DependencyTask() *Task { return c.dep }

type negated struct {
	wrapped
}

// Negated succeeds when c fails and fails with ErrFalseCondition when c
// succeeds.
func Negated(c Condition) Condition {
	return &negated{wrapped{inner: c}}
}

func (c *negated) Name() string { return "Not<" + c.inner.Name() + ">" }

func (c *negated) Evaluate(ctx context.Context, t *Task) error {
	if err := c.inner.Evaluate(ctx, t); err != nil {
		return nil
	}
	return ErrFalseCondition
}

type silent struct {
	wrapped
}

// Silent evaluates c without producing its prerequisite task.
func Silent(c Condition) Condition {
	return &silent{wrapped{inner: c}}
}

func (c *silent) Name() string { return "Silent<" + c.inner.Name() + ">" }

func (c *silent) Evaluate(ctx context.Context, t *Task) error {
	return c.inner.Evaluate(ctx, t)
}

func (c *silent) DependencyTask() *Task { return nil }

type ignoredError struct {
	err error
}

func (e *ignoredError) Error() string { return "ignored: " + e.err.Error() }

func (e *ignoredError) Unwrap() error { return e.err }

type ignored struct {
	wrapped
}

// Ignored evaluates c; a failure still prevents execution but no error is
// recorded on the task.
func Ignored(c Condition) Condition {
	return &ignored{wrapped{inner: c}}
}

func (c *ignored) Name() string { return "Ignored<" + c.inner.Name() + ">" }

func (c *ignored) Evaluate(ctx context.Context, t *Task) error {
	if err := c.inner.Evaluate(ctx, t); err != nil {
		return &ignoredError{err: err}
	}
	return nil
}

type dependencyRequirement struct {
	name    string
	failing func(dep *Task) error
}

// NoFailedDependencies fails if any direct dependency finished with errors.
func NoFailedDependencies() Condition {
	return &dependencyRequirement{
		name: "NoFailedDependencies",
		failing: func(dep *Task) error {
			if len(dep.Errors()) > 0 {
				return fmt.Errorf("%w: %s", ErrDependencyFailed, dep)
			}
			return nil
		},
	}
}

// NoCancelledDependencies fails if any direct dependency was cancelled.
func NoCancelledDependencies() Condition {
	return &dependencyRequirement{
		name: "NoCancelledDependencies",
		failing: func(dep *Task) error {
			if dep.IsCancelled() {
				return fmt.Errorf("%w: %s", ErrDependencyCancelled, dep)
			}
			return nil
		},
	}
}

func (c *dependencyRequirement) Name() string { return c.name }

func (c *dependencyRequirement) Evaluate(_ context.Context, t *Task) error {
	var errs []error
	for _, dep := range t.Dependencies() {
		if err := c.failing(dep); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
