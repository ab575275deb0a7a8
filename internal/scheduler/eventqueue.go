package scheduler

import "sync"

// eventQueue serializes lifecycle notifications for one task. Whoever enqueues
// onto an idle queue drains it; reentrant enqueues (an observer calling Finish
// from DidCancel, for example) are appended and run by the current drainer, so
// events never interleave and never deadlock.
type eventQueue struct {
	mu      sync.Mutex
	pending []func()
	running bool
}

// enqueue appends fn and reports whether the caller must drain the queue.
func (q *eventQueue) enqueue(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append(q.pending, fn)
	if q.running {
		return false
	}
	q.running = true
	return true
}

func (q *eventQueue) drain() {
	q.mu.Lock()
	for len(q.pending) > 0 {
		next := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()
		next()
		q.mu.Lock()
	}
	q.running = false
	q.mu.Unlock()
}
