package scheduler

import (
	"context"
	"slices"
	"sync"
)

// ChildFinishedFunc is called when a child of a group finishes, before the
// group checks whether it is done. It may add further children.
type ChildFinishedFunc func(g *Group, child *Task, errs []error)

// Group is a task composed of child tasks that run on a private scheduler.
// The group finishes once every child, including children added while it
// runs, has finished. Its errors are the children's errors in the order the
// children finished.
//
// Admit the group through its embedded Task:
//
//	g := scheduler.NewGroup("sync", fetchZones)
//	s.Add(g.Task)
type Group struct {
	*Task

	onChildFinished ChildFinishedFunc

	mu          sync.Mutex
	sched       *Scheduler
	parent      Delegate
	initial     []*Task
	children    []*Task
	outstanding int
	started     bool
	cancelled   bool // set with the children snapshot taken on cancellation
}

// NewGroup creates a group with an initial set of children.
func NewGroup(name string, children ...*Task) *Group {
	g := &Group{initial: slices.Clone(children)}
	g.Task = NewTask(name, g.execute)
	g.Task.whenCancelled(g.cancelChildren)
	return g
}

// OnChildFinished installs fn as the child completion hook. It must be set
// before the group is admitted.
func (g *Group) OnChildFinished(fn ChildFinishedFunc) {
	g.mustBeMutable("OnChildFinished")
	g.onChildFinished = fn
}

// AddChildren adds children to the group. Before the group executes they
// join the initial set; afterwards they are admitted to the private scheduler
// immediately. Adding children to a finished group is a usage fault.
func (g *Group) AddChildren(children ...*Task) {
	g.mu.Lock()
	if g.sched == nil {
		if g.State() >= StateFinishing {
			g.mu.Unlock()
			usageFault("children added to finished group %s", g.Task)
		}
		g.initial = append(g.initial, children...)
		g.mu.Unlock()
		return
	}
	sched := g.sched
	g.mu.Unlock()

	if g.State() >= StateFinishing {
		usageFault("children added to finished group %s", g.Task)
	}
	sched.Add(children...)
}

// Children returns every child admitted so far, in admission order.
func (g *Group) Children() []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.children)
}

// ChildScheduler returns the group's private scheduler, or nil before the
// group executes.
func (g *Group) ChildScheduler() *Scheduler {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sched
}

func (g *Group) execute(_ context.Context, t *Task) {
	owner := t.Scheduler()

	g.mu.Lock()
	g.parent = owner.forwardTo()
	g.sched = New(Config{
		MaxConcurrent:  owner.config.MaxConcurrent,
		DefaultTimeout: owner.config.DefaultTimeout,
		Registry:       owner.registry,
		Delegate:       g,
	})
	g.sched.private = true
	g.sched.upstream = g.parent
	initial := g.initial
	g.initial = nil
	sched := g.sched
	g.mu.Unlock()

	sched.Add(initial...)

	g.mu.Lock()
	g.started = true
	done := g.outstanding == 0
	g.mu.Unlock()

	if done {
		t.Finish(nil)
	}
}

// WillAdd implements Delegate for the private scheduler.
func (g *Group) WillAdd(child *Task) {
	g.mu.Lock()
	g.outstanding++
	g.children = append(g.children, child)
	cancelled := g.cancelled || g.IsCancelled()
	parent := g.parent
	g.mu.Unlock()

	// The task flag is set before cancelChildren is queued, so a child
	// appended after this read is in its snapshot.
	if cancelled {
		child.Cancel(ErrParentCancelled)
	}

	if parent != nil {
		parent.WillAdd(child)
	}
}

// WillExecute forwards child executions upstream.
func (g *Group) WillExecute(child *Task) {
	g.mu.Lock()
	parent := g.parent
	g.mu.Unlock()

	if parent != nil {
		notifyWillExecute(parent, child)
	}
}

// DidFinish implements Delegate for the private scheduler. The hook runs
// before the outstanding count drops, so children it adds keep the group
// alive.
func (g *Group) DidFinish(child *Task, errs []error) {
	g.Task.appendErrors(errs...)

	if g.onChildFinished != nil {
		g.onChildFinished(g, child, errs)
	}

	g.mu.Lock()
	g.outstanding--
	done := g.started && g.outstanding == 0
	parent := g.parent
	g.mu.Unlock()

	if parent != nil {
		parent.DidFinish(child, errs)
	}
	if done {
		g.Task.Finish(nil)
	}
}

func (g *Group) cancelChildren(*Task) {
	g.mu.Lock()
	g.cancelled = true
	children := slices.Clone(g.children)
	g.mu.Unlock()

	for _, child := range children {
		child.Cancel(ErrParentCancelled)
	}
}
