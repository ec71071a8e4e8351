// internal/scheduler/status_reporter.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"taskmaster/internal/domain"
	"taskmaster/internal/metrics"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var reportedStatuses = []domain.TaskStatus{
	domain.TaskStatusPending,
	domain.TaskStatusInProgress,
	domain.TaskStatusCompleted,
	domain.TaskStatusFailed,
}

// StatusCounter is the read side of the task graph the reporter needs.
type StatusCounter interface {
	CountByStatus() map[domain.TaskStatus]int
}

// StatusReporter periodically publishes the number of tasks per status to
// the tasks gauge and the log.
type StatusReporter struct {
	cron   *cron.Cron
	source StatusCounter
	logger *slog.Logger
	tracer trace.Tracer
}

// NewStatusReporter schedules a report on schedule, a cron expression with a
// leading seconds field or a descriptor such as "@every 30s".
func NewStatusReporter(source StatusCounter, schedule string, logger *slog.Logger) (*StatusReporter, error) {
	r := &StatusReporter{
		cron:   cron.New(cron.WithSeconds()),
		source: source,
		logger: logger.With("component", "status-reporter"),
		tracer: otel.Tracer("taskmaster-scheduler"),
	}
	if _, err := r.cron.AddFunc(schedule, r.Report); err != nil {
		return nil, fmt.Errorf("invalid report schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start runs the schedule until ctx is cancelled.
func (r *StatusReporter) Start(ctx context.Context) error {
	r.logger.Info("status reporter started")
	r.cron.Start()
	<-ctx.Done()
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
	r.logger.Info("status reporter stopped")
	return ctx.Err()
}

// Report takes one snapshot of the graph.
func (r *StatusReporter) Report() {
	_, span := r.tracer.Start(context.Background(), "scheduler.Report")
	defer span.End()

	counts := r.source.CountByStatus()
	attrs := make([]any, 0, 2*len(reportedStatuses))
	for _, status := range reportedStatuses {
		n := counts[status]
		metrics.TasksByStatus.WithLabelValues(string(status)).Set(float64(n))
		span.SetAttributes(attribute.Int("tasks."+string(status), n))
		attrs = append(attrs, string(status), n)
	}
	r.logger.Info("task status summary", attrs...)
}
