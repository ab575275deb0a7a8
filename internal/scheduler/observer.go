package scheduler

import (
	"log"
	"sync"
	"time"
)

// Observer receives lifecycle events for the tasks it is attached to. Events
// for one task are delivered synchronously, in attachment order, and never
// interleave: DidAttach, WillExecute, DidProduce, DidCancel, WillFinish,
// DidFinish. Embed BaseObserver to implement only a subset.
type Observer interface {
	DidAttach(t *Task)
	WillExecute(t *Task)
	DidProduce(t *Task, produced *Task)
	DidCancel(t *Task, errs []error)
	WillFinish(t *Task, errs []error)
	DidFinish(t *Task, errs []error)
}

// BaseObserver implements every Observer hook as a no-op.
type BaseObserver struct{}

func (BaseObserver) DidAttach(*Task)           {}
func (BaseObserver) WillExecute(*Task)         {}
func (BaseObserver) DidProduce(*Task, *Task)   {}
func (BaseObserver) DidCancel(*Task, []error)  {}
func (BaseObserver) WillFinish(*Task, []error) {}
func (BaseObserver) DidFinish(*Task, []error)  {}

// BlockObserver adapts optional callbacks to the Observer interface. Nil
// callbacks are skipped.
type BlockObserver struct {
	OnAttach      func(t *Task)
	OnWillExecute func(t *Task)
	OnProduce     func(t *Task, produced *Task)
	OnCancel      func(t *Task, errs []error)
	OnWillFinish  func(t *Task, errs []error)
	OnDidFinish   func(t *Task, errs []error)
}

func (o BlockObserver) DidAttach(t *Task) {
	if o.OnAttach != nil {
		o.OnAttach(t)
	}
}

func (o BlockObserver) WillExecute(t *Task) {
	if o.OnWillExecute != nil {
		o.OnWillExecute(t)
	}
}

func (o BlockObserver) DidProduce(t *Task, produced *Task) {
	if o.OnProduce != nil {
		o.OnProduce(t, produced)
	}
}

func (o BlockObserver) DidCancel(t *Task, errs []error) {
	if o.OnCancel != nil {
		o.OnCancel(t, errs)
	}
}

func (o BlockObserver) WillFinish(t *Task, errs []error) {
	if o.OnWillFinish != nil {
		o.OnWillFinish(t, errs)
	}
}

func (o BlockObserver) DidFinish(t *Task, errs []error) {
	if o.OnDidFinish != nil {
		o.OnDidFinish(t, errs)
	}
}

// TimeoutObserver cancels its task with a TimeoutError if the task is still
// running after the given duration. The clock starts at WillExecute.
type TimeoutObserver struct {
	BaseObserver
	after time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewTimeoutObserver creates a TimeoutObserver. Attach one per task.
func NewTimeoutObserver(after time.Duration) *TimeoutObserver {
	return &TimeoutObserver{after: after}
}

func (o *TimeoutObserver) WillExecute(t *Task) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.timer = time.AfterFunc(o.after, func() {
		t.Cancel(&TimeoutError{After: o.after})
	})
}

func (o *TimeoutObserver) DidFinish(*Task, []error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.timer != nil {
		o.timer.Stop()
	}
}

// LogObserver prints every lifecycle event.
type LogObserver struct {
	Logger *log.Logger // Defaults to log.Default()
}

func (o LogObserver) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.Default()
}

func (o LogObserver) DidAttach(t *Task) {
	o.logger().Printf("%s: observer attached", t)
}

func (o LogObserver) WillExecute(t *Task) {
	o.logger().Printf("%s: will execute", t)
}

func (o LogObserver) DidProduce(t *Task, produced *Task) {
	o.logger().Printf("%s: produced %s", t, produced)
}

func (o LogObserver) DidCancel(t *Task, errs []error) {
	o.logger().Printf("%s: cancelled (%d errors)", t, len(errs))
}

func (o LogObserver) WillFinish(t *Task, errs []error) {
	o.logger().Printf("%s: will finish", t)
}

func (o LogObserver) DidFinish(t *Task, errs []error) {
	if len(errs) > 0 {
		o.logger().Printf("WARNING: %s finished with %d errors: %v", t, len(errs), errs)
		return
	}
	o.logger().Printf("%s: finished", t)
}
