package persistence

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/aristath/procedures/internal/scheduler"
)

// Journal is a scheduler delegate that writes a record for every finished
// task. Write failures are logged and never affect the task.
type Journal struct {
	store Store
	runID string

	mu    sync.Mutex
	added map[scheduler.TaskID]time.Time
}

// NewJournal opens a run in store and returns a journal writing to it.
func NewJournal(ctx context.Context, store Store) (*Journal, error) {
	runID, err := store.StartRun(ctx)
	if err != nil {
		return nil, err
	}
	return &Journal{
		store: store,
		runID: runID,
		added: make(map[scheduler.TaskID]time.Time),
	}, nil
}

// RunID returns the run the journal writes to.
func (j *Journal) RunID() string { return j.runID }

func (j *Journal) WillAdd(t *scheduler.Task) {
	j.mu.Lock()
	j.added[t.ID()] = time.Now()
	j.mu.Unlock()
}

func (j *Journal) DidFinish(t *scheduler.Task, errs []error) {
	j.mu.Lock()
	addedAt := j.added[t.ID()]
	delete(j.added, t.ID())
	j.mu.Unlock()

	rec := NewRecord(j.runID, t, errs)
	rec.AddedAt = addedAt
	if err := j.store.SaveRecord(context.Background(), rec); err != nil {
		log.Printf("ERROR: journal: recording %s: %v", t, err)
	}
}

// Output returns a function that stores output lines for the task.
func (j *Journal) Output(taskID scheduler.TaskID) func(stream, line string) {
	return func(stream, line string) {
		if err := j.store.SaveOutput(context.Background(), string(taskID), stream, line); err != nil {
			log.Printf("ERROR: journal: output of %s: %v", taskID, err)
		}
	}
}

// Close marks the run as finished. It does not close the store.
func (j *Journal) Close(ctx context.Context) error {
	return j.store.FinishRun(ctx, j.runID)
}
