package graph

import (
	"taskmaster/internal/domain"
)

// Ready reports whether every dependency is completed. A task without
// dependencies is always ready. A dependency missing from statuses counts
// as not completed.
func Ready(dependencies []string, statuses map[string]domain.TaskStatus) bool {
	for _, depID := range dependencies {
		if statuses[depID] != domain.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// Resolver answers readiness questions against the current store state.
// Nothing is cached: a dependent with several dependencies is re-checked on
// every completion.
type Resolver struct {
	store *Store
}

// NewResolver creates a resolver reading from store.
func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// IsReady reports whether all dependencies of the task are completed.
func (r *Resolver) IsReady(id string) (bool, error) {
	task, statuses, err := r.store.DependencyStatuses(id)
	if err != nil {
		return false, err
	}
	return Ready(task.Dependencies, statuses), nil
}

// OnCompleted returns the dependents of id that are ready now. It is meant
// to be called right after id moved to completed.
func (r *Resolver) OnCompleted(id string) ([]string, error) {
	if _, err := r.store.Get(id); err != nil {
		return nil, err
	}

	var ready []string
	for _, depID := range r.store.DependentsOf(id) {
		ok, err := r.IsReady(depID)
		if err != nil {
			return nil, err
		}
		if ok {
			ready = append(ready, depID)
		}
	}
	return ready, nil
}
