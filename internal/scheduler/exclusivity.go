package scheduler

import (
	"slices"
	"sync"
)

// ExclusivityRegistry serializes tasks that share a mutual-exclusion category.
// Each category keeps a FIFO chain of admitted tasks; only the head of a chain
// may proceed, and it holds the category until it finishes. Tasks in
// different categories do not affect each other.
//
// A registry is shared by every scheduler it is injected into, including the
// private schedulers of groups.
type ExclusivityRegistry struct {
	mu         sync.Mutex
	categories map[string][]*exclusiveEntry
}

type exclusiveEntry struct {
	task     *Task
	acquired func()
}

// NewExclusivityRegistry creates an empty registry.
func NewExclusivityRegistry() *ExclusivityRegistry {
	return &ExclusivityRegistry{
		categories: make(map[string][]*exclusiveEntry),
	}
}

// Admit appends t to the chain of every category and returns how many of them
// t already heads. For each remaining category, acquired is called once t
// reaches the head of that chain.
//
// Admitting t behind a task that transitively depends on t would deadlock and
// is a usage fault.
func (r *ExclusivityRegistry) Admit(t *Task, categories []string, acquired func()) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	held := 0
	for _, category := range categories {
		chain := r.categories[category]
		for _, entry := range chain {
			if entry.task == t {
				usageFault("%s admitted twice to category %q", t, category)
			}
			if dependsOn(entry.task, t) {
				usageFault("%s waits on %s in category %q, which depends on it", t, entry.task, category)
			}
		}
		if len(chain) == 0 {
			held++
		}
		r.categories[category] = append(chain, &exclusiveEntry{task: t, acquired: acquired})
	}
	return held
}

// Release removes t from every category. If t was the head of a chain, the
// next task in that chain acquires the category.
func (r *ExclusivityRegistry) Release(t *Task, categories []string) {
	var next []func()

	r.mu.Lock()
	for _, category := range categories {
		chain := r.categories[category]
		i := slices.IndexFunc(chain, func(e *exclusiveEntry) bool { return e.task == t })
		if i < 0 {
			continue
		}
		chain = slices.Delete(chain, i, i+1)
		if len(chain) == 0 {
			delete(r.categories, category)
			continue
		}
		r.categories[category] = chain
		if i == 0 {
			next = append(next, chain[0].acquired)
		}
	}
	r.mu.Unlock()

	for _, acquired := range next {
		acquired()
	}
}

// Holder returns the task currently holding category, or nil.
func (r *ExclusivityRegistry) Holder(category string) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	if chain := r.categories[category]; len(chain) > 0 {
		return chain[0].task
	}
	return nil
}

// Waiting returns the number of tasks queued behind the holder of category.
func (r *ExclusivityRegistry) Waiting(category string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if chain := r.categories[category]; len(chain) > 1 {
		return len(chain) - 1
	}
	return 0
}

// Len returns the number of categories with at least one task.
func (r *ExclusivityRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.categories)
}

// exclusivityObserver releases its task's categories once it finishes.
type exclusivityObserver struct {
	BaseObserver
	registry   *ExclusivityRegistry
	categories []string
}

func (o *exclusivityObserver) DidFinish(t *Task, _ []error) {
	o.registry.Release(t, o.categories)
}
