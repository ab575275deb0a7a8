package scheduler

import (
	"time"
)

// evaluate runs the conditions of a task whose dependencies have finished and
// whose exclusivity categories are held, then hands it to the worker pool.
func (s *Scheduler) evaluate(t *Task) {
	if !t.transition(StatePending, StateEvaluatingConditions) {
		return // Finished early through cancellation
	}
	if t.IsCancelled() {
		t.finish()
		return
	}

	ok, failures := evaluateConditions(t.Context(), t)
	if !ok {
		t.finish(failures...)
		return
	}

	if !t.transition(StateEvaluatingConditions, StateReady) {
		return
	}

	s.mu.Lock()
	if s.suspended {
		s.held = append(s.held, t)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.dispatch(t)
}

// dispatch runs t on a worker goroutine once a slot is free.
func (s *Scheduler) dispatch(t *Task) {
	go func() {
		if s.sem != nil {
			// A task cancelled while queued for a slot is finished by the
			// cancellation hook, which also cancels its context.
			if err := s.sem.Acquire(t.Context(), 1); err != nil {
				return
			}
			defer s.sem.Release(1)
		}
		s.execute(t)
	}()
}

// execute is the single entry into a task's body.
func (s *Scheduler) execute(t *Task) {
	if !t.transition(StateReady, StateExecuting) {
		return
	}
	if t.IsCancelled() {
		t.finish()
		return
	}

	t.mu.Lock()
	t.startedAt = time.Now()
	t.mu.Unlock()

	t.emitAndWait(func(observers []Observer) {
		for _, o := range observers {
			o.WillExecute(t)
		}
	})
	if s.delegate != nil {
		notifyWillExecute(s.delegate, t)
	}

	defer func() {
		if r := recover(); r != nil {
			t.finish(&BodyError{Task: t.Name(), Err: newPanicError(r)})
		}
	}()

	if t.body == nil {
		t.finish()
		return
	}
	t.body(t.Context(), t)
}
