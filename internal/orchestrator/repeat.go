package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/aristath/procedures/internal/scheduler"
)

// TaskFactory builds the task for one iteration. iteration starts at 0.
type TaskFactory func(iteration int) *scheduler.Task

// RepeatTask runs a fresh task from its factory a fixed number of times, one
// after another, waiting delay between iterations. It stops at the first
// iteration that finishes with errors, and those errors become its own.
type RepeatTask struct {
	*scheduler.Group

	factory TaskFactory
	count   int
	delay   time.Duration

	mu        sync.Mutex
	current   *scheduler.Task
	completed int
}

// NewRepeatTask creates a repeating task. A count below 1 finishes without
// running anything.
func NewRepeatTask(name string, count int, delay time.Duration, factory TaskFactory) *RepeatTask {
	r := &RepeatTask{factory: factory, count: count, delay: delay}
	r.Group = scheduler.NewGroup(name)
	r.Group.OnChildFinished(r.childFinished)

	if count > 0 {
		r.current = factory(0)
		r.Group.AddChildren(r.current)
	}
	return r
}

// Completed returns the number of iterations that finished successfully.
func (r *RepeatTask) Completed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

func (r *RepeatTask) childFinished(g *scheduler.Group, child *scheduler.Task, errs []error) {
	r.mu.Lock()
	if child != r.current {
		// One of the delays between iterations
		r.mu.Unlock()
		return
	}
	if len(errs) > 0 || child.IsCancelled() || g.IsCancelled() {
		r.mu.Unlock()
		return
	}
	r.completed++
	if r.completed >= r.count {
		r.mu.Unlock()
		return
	}
	next := r.factory(r.completed)
	r.current = next
	iteration := r.completed
	r.mu.Unlock()

	if r.delay <= 0 {
		g.AddChildren(next)
		return
	}
	delay := scheduler.NewDelayTask(fmt.Sprintf("%s delay %d", g.Name(), iteration), r.delay)
	next.AddDependency(delay)
	g.AddChildren(delay, next)
}
