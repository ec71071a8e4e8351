// Package sleep provides a placeholder executor that simulates work by
// waiting a fixed duration.
package sleep

import (
	"context"
	"log/slog"
	"time"

	"taskmaster/internal/domain"
)

type sleepTaskExecutor struct {
	duration time.Duration
	logger   *slog.Logger
}

// NewSleepTaskExecutor creates an executor that blocks for duration and
// always succeeds unless the context ends first.
func NewSleepTaskExecutor(duration time.Duration, logger *slog.Logger) domain.TaskExecutor {
	return &sleepTaskExecutor{
		duration: duration,
		logger:   logger.With("executor_type", "sleep"),
	}
}

func (e *sleepTaskExecutor) Execute(ctx context.Context, task *domain.Task) (string, error) {
	e.logger.Info("processing task", "task_id", task.ID, "message", task.Message, "duration", e.duration)

	timer := time.NewTimer(e.duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
	}
	return task.Message, nil
}
