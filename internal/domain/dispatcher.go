package domain

import "context"

// Dispatcher publishes ready tasks to their queue.
type Dispatcher interface {
	// TryDispatch publishes the task if it is pending, not yet dispatched and
	// all of its dependencies are completed. It reports whether a publish
	// happened.
	TryDispatch(ctx context.Context, taskID string) bool
	// DispatchDependents re-evaluates the dependents of a completed task and
	// returns the IDs that were published.
	DispatchDependents(ctx context.Context, taskID string) []string
}
