package usecase

import (
	"context"
	"log/slog"

	"taskmaster/internal/domain"
	"taskmaster/internal/graph"
	"taskmaster/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TaskService is the entry point for submitting and inspecting tasks.
type TaskService struct {
	store      *graph.Store
	dispatcher domain.Dispatcher
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewTaskService creates a new TaskService instance.
func NewTaskService(store *graph.Store, dispatcher domain.Dispatcher, logger *slog.Logger) *TaskService {
	return &TaskService{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger.With("component", "task-service"),
		tracer:     otel.Tracer("taskmaster-usecase"),
	}
}

// CreateTask registers a task and tries to dispatch it right away. A task
// whose dependencies are not all completed stays pending until the last of
// them completes. Only ErrUnknownDependency is returned; a failed initial
// dispatch is logged, not reported.
func (s *TaskService) CreateTask(ctx context.Context, message string, dependencies []string, requiresOrdering bool) (string, error) {
	ctx, span := s.tracer.Start(ctx, "service.CreateTask")
	defer span.End()
	span.SetAttributes(
		attribute.Int("task.dependencies", len(dependencies)),
		attribute.Bool("task.requires_ordering", requiresOrdering),
	)

	task, err := s.store.Create(message, dependencies, requiresOrdering)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create task in store")
		return "", err
	}
	span.SetAttributes(attribute.String("task.id", task.ID))
	metrics.TasksCreatedTotal.Inc()
	s.logger.Info("task created", "task_id", task.ID, "dependencies", task.Dependencies, "requires_ordering", task.RequiresOrdering)

	// The request may end before the publish does.
	if s.dispatcher.TryDispatch(context.WithoutCancel(ctx), task.ID) {
		span.AddEvent("dispatched")
	}
	return task.ID, nil
}

// GetTask returns a snapshot of one task.
func (s *TaskService) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	_, span := s.tracer.Start(ctx, "service.GetTask")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id))

	task, err := s.store.Get(id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get task from store")
	}
	return task, err
}

// ListTasks returns a snapshot of every task, dependencies first.
func (s *TaskService) ListTasks(ctx context.Context) []*domain.Task {
	_, span := s.tracer.Start(ctx, "service.ListTasks")
	defer span.End()

	tasks := s.store.ListAll()
	span.SetAttributes(attribute.Int("tasks.count", len(tasks)))
	return tasks
}
