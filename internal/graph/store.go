// Package graph holds the task dependency graph and the readiness rules
// evaluated over it.
package graph

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"taskmaster/internal/domain"

	"github.com/gammazero/toposort"
	"github.com/google/uuid"
)

// Store owns every task record and the reverse-dependency index. All reads
// and writes go through a single RWMutex.
type Store struct {
	mu         sync.RWMutex
	tasks      map[string]*domain.Task
	dependents map[string][]string // taskID -> IDs of tasks that depend on it

	newID func() string
	now   func() time.Time
}

// NewStore creates an empty graph store.
func NewStore() *Store {
	return &Store{
		tasks:      make(map[string]*domain.Task),
		dependents: make(map[string][]string),
		newID:      uuid.NewString,
		now:        time.Now,
	}
}

// Create inserts a new pending task and links it under each dependency.
// If any dependency is unknown nothing is written.
func (s *Store) Create(message string, dependencies []string, requiresOrdering bool) (*domain.Task, error) {
	deps := dedupe(dependencies)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, depID := range deps {
		if _, ok := s.tasks[depID]; !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownDependency, depID)
		}
	}

	id := s.newID()
	for s.tasks[id] != nil {
		id = s.newID()
	}

	now := s.now()
	task := &domain.Task{
		ID:               id,
		Status:           domain.TaskStatusPending,
		Message:          message,
		Dependencies:     deps,
		RequiresOrdering: requiresOrdering,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}

	s.tasks[id] = task
	for _, depID := range deps {
		s.dependents[depID] = append(s.dependents[depID], id)
	}
	return task.Clone(), nil
}

// Get returns a copy of the task.
func (s *Store) Get(id string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return task.Clone(), nil
}

// SetStatus moves a task forward in its lifecycle. execErr is recorded on
// the task when status is failed.
func (s *Store) SetStatus(id string, status domain.TaskStatus, execErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if !task.Status.CanTransitionTo(status) {
		return fmt.Errorf("%w: task %s %s -> %s", domain.ErrInvalidTransition, id, task.Status, status)
	}

	task.Status = status
	task.UpdatedAt = s.now()
	if status == domain.TaskStatusFailed && execErr != nil {
		task.Error = execErr.Error()
	}
	return nil
}

// Begin claims a pending task for execution by moving it to in_progress.
// It returns the status the task had before the call; when that status is
// not pending the task is left untouched and ErrInvalidTransition is returned.
func (s *Store) Begin(id string) (domain.TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	prev := task.Status
	if prev != domain.TaskStatusPending {
		return prev, fmt.Errorf("%w: task %s is %s", domain.ErrInvalidTransition, id, prev)
	}
	task.Status = domain.TaskStatusInProgress
	task.UpdatedAt = s.now()
	return prev, nil
}

// MarkDispatched records that the task has been published to a queue.
func (s *Store) MarkDispatched(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	task.Dispatched = true
	task.UpdatedAt = s.now()
	return nil
}

// DependencyStatuses returns the task together with the status of each of
// its dependencies, read under one lock so the view is consistent.
func (s *Store) DependencyStatuses(id string) (*domain.Task, map[string]domain.TaskStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	statuses := make(map[string]domain.TaskStatus, len(task.Dependencies))
	for _, depID := range task.Dependencies {
		if dep, ok := s.tasks[depID]; ok {
			statuses[depID] = dep.Status
		}
	}
	return task.Clone(), statuses, nil
}

// DependentsOf returns the IDs of tasks that declared id as a dependency.
func (s *Store) DependentsOf(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]string{}, s.dependents[id]...)
}

// ListAll returns a snapshot of every task, dependencies before dependents.
func (s *Store) ListAll() []*domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	edges := make([]toposort.Edge, 0, len(s.tasks))
	for id, task := range s.tasks {
		if len(task.Dependencies) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range task.Dependencies {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	tasks := make([]*domain.Task, 0, len(s.tasks))
	sorted, err := toposort.Toposort(edges)
	if err != nil {
		// Unreachable while dependencies must exist at creation time.
		for _, task := range s.tasks {
			tasks = append(tasks, task.Clone())
		}
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
		return tasks
	}
	for _, id := range sorted {
		if id == nil {
			continue
		}
		tasks = append(tasks, s.tasks[id.(string)].Clone())
	}
	return tasks
}

// Len returns the number of tasks in the graph.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// CountByStatus returns how many tasks are in each status.
func (s *Store) CountByStatus() map[domain.TaskStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[domain.TaskStatus]int{
		domain.TaskStatusPending:    0,
		domain.TaskStatusInProgress: 0,
		domain.TaskStatusCompleted:  0,
		domain.TaskStatusFailed:     0,
	}
	for _, task := range s.tasks {
		counts[task.Status]++
	}
	return counts
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
