// internal/worker/handler.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"taskmaster/internal/domain"
	"taskmaster/internal/graph"
	"taskmaster/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Handler processes one queue delivery: decode, execute, record the outcome,
// acknowledge and release dependents. Every delivery is acknowledged,
// whatever happens to the task.
type Handler struct {
	store      *graph.Store
	dispatcher domain.Dispatcher
	executor   domain.TaskExecutor
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewHandler creates the per-message handler shared by all workers.
func NewHandler(store *graph.Store, dispatcher domain.Dispatcher, executor domain.TaskExecutor, logger *slog.Logger) *Handler {
	return &Handler{
		store:      store,
		dispatcher: dispatcher,
		executor:   executor,
		logger:     logger.With("component", "message-handler"),
		tracer:     otel.Tracer("taskmaster-worker"),
	}
}

// Handle processes d, received on ch by the worker workerID. The returned
// error is non-nil only when the acknowledgement failed, meaning the
// connection is no longer usable.
func (h *Handler) Handle(ctx context.Context, workerID string, ch domain.Channel, d *domain.Delivery) error {
	ctx, span := h.tracer.Start(ctx, "worker.HandleMessage",
		trace.WithAttributes(
			attribute.String("worker.id", workerID),
			attribute.String("queue", d.Queue),
			attribute.String("message.tag", d.Tag),
		))
	defer span.End()

	logger := h.logger.With("worker_id", workerID, "queue", d.Queue)

	msg, err := domain.DecodeTaskMessage(d.Body)
	if err != nil {
		logger.Warn("dropping malformed message", "tag", d.Tag, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed message")
		return h.ack(ctx, ch, d, span)
	}

	logger = logger.With("task_id", msg.TaskID)
	span.SetAttributes(attribute.String("task.id", msg.TaskID))

	task, err := h.store.Get(msg.TaskID)
	if err != nil {
		// The dispatcher only publishes tasks it knows, so this is a protocol
		// violation. Acknowledge so the message is not redelivered forever.
		logger.Error("received message for unknown task", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown task")
		return h.ack(ctx, ch, d, span)
	}

	prev, err := h.store.Begin(task.ID)
	if err != nil {
		return h.handleRedelivery(ctx, logger, ch, d, task.ID, prev, span)
	}

	logger.Info("processing task")
	output, execErr := h.execute(ctx, task)

	if execErr != nil {
		execErr = fmt.Errorf("%w: %w", domain.ErrExecutionFailure, execErr)
		if err := h.store.SetStatus(task.ID, domain.TaskStatusFailed, execErr); err != nil {
			logger.Error("failed to mark task failed", "error", err)
		}
		logger.Error("task failed", "error", execErr)
		metrics.TaskExecutionTotal.WithLabelValues(d.Queue, string(domain.TaskStatusFailed)).Inc()
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "task execution failed")
		// Dependents of a failed task are never released.
		return h.ack(ctx, ch, d, span)
	}

	if err := h.store.SetStatus(task.ID, domain.TaskStatusCompleted, nil); err != nil {
		logger.Error("failed to mark task completed", "error", err)
	}
	logger.Info("task completed", "output_bytes", len(output))
	metrics.TaskExecutionTotal.WithLabelValues(d.Queue, string(domain.TaskStatusCompleted)).Inc()
	span.SetStatus(codes.Ok, "task completed")

	ackErr := h.ack(ctx, ch, d, span)
	h.releaseDependents(ctx, logger, task.ID)
	return ackErr
}

// handleRedelivery deals with a message for a task that is no longer
// pending. Under at-least-once delivery this happens when a consumer lost
// its connection before acknowledging.
func (h *Handler) handleRedelivery(ctx context.Context, logger *slog.Logger, ch domain.Channel, d *domain.Delivery, taskID string, prev domain.TaskStatus, span trace.Span) error {
	span.AddEvent("redelivery", trace.WithAttributes(attribute.String("task.status", string(prev))))

	switch prev {
	case domain.TaskStatusCompleted:
		// The previous attempt may have died between completion and the
		// dependents dispatch. Dispatch is idempotent, so run it again.
		logger.Info("task already completed, skipping execution")
		ackErr := h.ack(ctx, ch, d, span)
		h.releaseDependents(ctx, logger, taskID)
		return ackErr
	case domain.TaskStatusInProgress:
		logger.Warn("task already in progress on another consumer, skipping")
	default:
		logger.Info("task already finished, skipping", "status", prev)
	}
	return h.ack(ctx, ch, d, span)
}

// execute runs the task work. Execution is not cancelled by worker
// shutdown once it has started; a panic counts as failure.
func (h *Handler) execute(ctx context.Context, task *domain.Task) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.executor.Execute(context.WithoutCancel(ctx), task)
}

func (h *Handler) releaseDependents(ctx context.Context, logger *slog.Logger, taskID string) {
	dispatched := h.dispatcher.DispatchDependents(context.WithoutCancel(ctx), taskID)
	if len(dispatched) > 0 {
		logger.Info("released dependents", "dependents", dispatched)
	}
}

func (h *Handler) ack(ctx context.Context, ch domain.Channel, d *domain.Delivery, span trace.Span) error {
	if err := ch.Ack(context.WithoutCancel(ctx), d); err != nil {
		span.RecordError(err)
		if !errors.Is(err, domain.ErrTransport) {
			err = fmt.Errorf("%w: ack failed: %w", domain.ErrTransport, err)
		}
		return err
	}
	return nil
}
