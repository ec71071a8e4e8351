package domain

import (
	"fmt"
	"time"
)

// TaskStatus defines the lifecycle status of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// CanTransitionTo reports whether s -> next is a legal, forward-only move
// along pending -> in_progress -> {completed, failed}.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusInProgress
	case TaskStatusInProgress:
		return next == TaskStatusCompleted || next == TaskStatusFailed
	}
	return false
}

// Task is a unit of work in the dependency graph.
type Task struct {
	ID               string     `json:"id"`
	Status           TaskStatus `json:"status"`
	Message          string     `json:"message"`
	Dependencies     []string   `json:"dependencies"`
	RequiresOrdering bool       `json:"requires_ordering"`
	Dispatched       bool       `json:"dispatched"`      // Published to a queue at least once
	Error            string     `json:"error,omitempty"` // Execution error of a failed task
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Clone returns a deep copy that callers may keep without holding any lock.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Dependencies = append([]string{}, t.Dependencies...)
	return &cp
}

// Validate checks the fields a task must carry before it enters the graph.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	switch t.Status {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed:
	default:
		return fmt.Errorf("invalid task status: %q", t.Status)
	}
	for _, dep := range t.Dependencies {
		if dep == "" {
			return fmt.Errorf("task %s has an empty dependency ID", t.ID)
		}
		if dep == t.ID {
			return fmt.Errorf("task %s cannot depend on itself", t.ID)
		}
	}
	return nil
}
