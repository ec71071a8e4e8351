package domain

import "context"

// TaskExecutor runs the work carried by a task. It blocks for the duration
// of the work; a non-nil error marks the task failed.
type TaskExecutor interface {
	Execute(ctx context.Context, task *Task) (output string, err error)
}

// TaskExecutorFunc adapts a plain function to TaskExecutor.
type TaskExecutorFunc func(ctx context.Context, task *Task) (string, error)

// Execute calls f(ctx, task).
func (f TaskExecutorFunc) Execute(ctx context.Context, task *Task) (string, error) {
	return f(ctx, task)
}
