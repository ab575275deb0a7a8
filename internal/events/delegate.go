package events

import (
	"sync"
	"time"

	"github.com/aristath/procedures/internal/scheduler"
)

// BusDelegate is a scheduler delegate that publishes task lifecycle events
// and a progress summary after every change.
type BusDelegate struct {
	bus *EventBus

	mu       sync.Mutex
	progress ProgressEvent
}

// NewBusDelegate creates a delegate publishing to bus.
func NewBusDelegate(bus *EventBus) *BusDelegate {
	return &BusDelegate{bus: bus}
}

func (d *BusDelegate) WillAdd(t *scheduler.Task) {
	deps := t.Dependencies()
	ids := make([]string, len(deps))
	for i, dep := range deps {
		ids[i] = string(dep.ID())
	}

	d.bus.Publish(TopicTask, TaskAddedEvent{
		ID:           string(t.ID()),
		Name:         t.Name(),
		Dependencies: ids,
		Timestamp:    time.Now(),
	})

	d.update(func(p *ProgressEvent) {
		p.Total++
		p.Pending++
	})
}

func (d *BusDelegate) WillExecute(t *scheduler.Task) {
	d.bus.Publish(TopicTask, TaskStartedEvent{
		ID:        string(t.ID()),
		Name:      t.Name(),
		Timestamp: time.Now(),
	})

	d.update(func(p *ProgressEvent) {
		p.Pending--
		p.Running++
	})
}

func (d *BusDelegate) DidFinish(t *scheduler.Task, errs []error) {
	var duration time.Duration
	started := t.StartedAt()
	if !started.IsZero() {
		duration = t.FinishedAt().Sub(started)
	}

	d.bus.Publish(TopicTask, TaskFinishedEvent{
		ID:        string(t.ID()),
		Name:      t.Name(),
		Cancelled: t.IsCancelled(),
		Errs:      errs,
		Duration:  duration,
		Timestamp: time.Now(),
	})

	d.update(func(p *ProgressEvent) {
		if started.IsZero() {
			p.Pending--
		} else {
			p.Running--
		}
		switch {
		case t.IsCancelled():
			p.Cancelled++
		case len(errs) > 0:
			p.Failed++
		default:
			p.Succeeded++
		}
	})
}

// Progress returns the current summary.
func (d *BusDelegate) Progress() ProgressEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.progress
}

func (d *BusDelegate) update(fn func(p *ProgressEvent)) {
	d.mu.Lock()
	fn(&d.progress)
	d.progress.Timestamp = time.Now()
	snapshot := d.progress
	d.mu.Unlock()

	d.bus.Publish(TopicProgress, snapshot)
}
