// Package dispatch publishes ready tasks to the durable queues.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"taskmaster/internal/domain"
	"taskmaster/internal/graph"
	"taskmaster/internal/metrics"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	resultPublished = "published"
	resultNotReady  = "not_ready"
	resultSkipped   = "skipped"
	resultFailed    = "failed"
	resultUnknown   = "unknown"
)

// Config selects destination queues and tunes the publish circuit breaker.
type Config struct {
	OrderedQueue  string
	RegularQueues []string

	// BreakerFailures is the number of consecutive publish failures that
	// opens the breaker. Zero disables tripping.
	BreakerFailures uint32
	// BreakerTimeout is how long the breaker stays open before probing.
	BreakerTimeout time.Duration
}

// Dispatcher bridges the resolver to the broker. The readiness check, the
// publish and the dispatched mark for one task happen under that task's
// lock, so racing completions of two dependencies publish a shared
// dependent at most once.
type Dispatcher struct {
	store    *graph.Store
	resolver *graph.Resolver
	broker   domain.Broker
	locks    *taskLocks
	breaker  *gobreaker.CircuitBreaker

	orderedQueue  string
	regularQueues []string
	next          atomic.Uint64

	logger *slog.Logger
	tracer trace.Tracer
}

// NewDispatcher creates a dispatcher publishing through broker.
func NewDispatcher(store *graph.Store, resolver *graph.Resolver, broker domain.Broker, cfg Config, logger *slog.Logger) *Dispatcher {
	logger = logger.With("component", "dispatcher")

	settings := gobreaker.Settings{
		Name:    "queue-publish",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return cfg.BreakerFailures > 0 && counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &Dispatcher{
		store:         store,
		resolver:      resolver,
		broker:        broker,
		locks:         newTaskLocks(),
		breaker:       gobreaker.NewCircuitBreaker(settings),
		orderedQueue:  cfg.OrderedQueue,
		regularQueues: append([]string{}, cfg.RegularQueues...),
		logger:        logger,
		tracer:        otel.Tracer("taskmaster-dispatcher"),
	}
}

// QueueKindOrdered and QueueKindRegular label metrics by destination kind.
const (
	QueueKindOrdered = "ordered"
	QueueKindRegular = "regular"
)

// TryDispatch publishes the task when it is pending, not yet dispatched and
// ready. Any other case is a no-op returning false. A failed publish leaves
// the task pending and undispatched; it is not retried.
//
// A publish refused by the circuit breaker counts as failed. That covers
// the open state and also the half-open state, where only one probe
// publish is let through and concurrent dispatches get
// gobreaker.ErrTooManyRequests. Tasks refused this way stay pending until
// something calls TryDispatch for them again; nothing does so on its own
// after the broker recovers.
func (d *Dispatcher) TryDispatch(ctx context.Context, taskID string) bool {
	ctx, span := d.tracer.Start(ctx, "dispatcher.TryDispatch",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	unlock := d.locks.Lock(taskID)
	defer unlock()

	task, statuses, err := d.store.DependencyStatuses(taskID)
	if err != nil {
		d.logger.Warn("dispatch requested for unknown task", "task_id", taskID, "error", err)
		metrics.TaskDispatchTotal.WithLabelValues("", resultUnknown).Inc()
		span.RecordError(err)
		return false
	}

	kind := queueKind(task)
	if task.Status != domain.TaskStatusPending || task.Dispatched {
		d.logger.Debug("task already dispatched or running", "task_id", taskID, "status", task.Status)
		metrics.TaskDispatchTotal.WithLabelValues(kind, resultSkipped).Inc()
		span.AddEvent("skipped", trace.WithAttributes(attribute.String("status", string(task.Status))))
		return false
	}
	if !graph.Ready(task.Dependencies, statuses) {
		metrics.TaskDispatchTotal.WithLabelValues(kind, resultNotReady).Inc()
		span.AddEvent("not_ready")
		return false
	}

	queue := d.queueFor(task)
	span.SetAttributes(attribute.String("queue", queue))

	body, err := domain.TaskMessage{TaskID: task.ID, Message: task.Message}.Encode()
	if err != nil {
		d.logger.Error("failed to encode task message", "task_id", taskID, "error", err)
		metrics.TaskDispatchTotal.WithLabelValues(kind, resultFailed).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return false
	}

	_, err = d.breaker.Execute(func() (interface{}, error) {
		return nil, d.broker.Publish(ctx, queue, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			d.logger.Warn("queue publish short-circuited", "task_id", taskID, "queue", queue, "error", err)
		} else {
			d.logger.Error("queue publish failed", "task_id", taskID, "queue", queue, "error", err)
		}
		metrics.TaskDispatchTotal.WithLabelValues(kind, resultFailed).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return false
	}

	if err := d.store.MarkDispatched(taskID); err != nil {
		d.logger.Error("failed to mark task dispatched", "task_id", taskID, "error", err)
		span.RecordError(err)
	}

	d.logger.Info("task queued", "task_id", taskID, "queue", queue)
	metrics.TaskDispatchTotal.WithLabelValues(kind, resultPublished).Inc()
	return true
}

// DispatchDependents re-evaluates the dependents of a completed task and
// tries to dispatch each one that became ready.
func (d *Dispatcher) DispatchDependents(ctx context.Context, taskID string) []string {
	ctx, span := d.tracer.Start(ctx, "dispatcher.DispatchDependents",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	ready, err := d.resolver.OnCompleted(taskID)
	if err != nil {
		d.logger.Error("failed to resolve dependents", "task_id", taskID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		return nil
	}

	var dispatched []string
	for _, id := range ready {
		if d.TryDispatch(ctx, id) {
			dispatched = append(dispatched, id)
		}
	}
	span.SetAttributes(attribute.Int("dependents.ready", len(ready)), attribute.Int("dependents.dispatched", len(dispatched)))
	return dispatched
}

// queueFor picks the ordered queue for ordering tasks and spreads the rest
// round-robin over the regular queues.
func (d *Dispatcher) queueFor(task *domain.Task) string {
	if task.RequiresOrdering || len(d.regularQueues) == 0 {
		return d.orderedQueue
	}
	if len(d.regularQueues) == 1 {
		return d.regularQueues[0]
	}
	n := d.next.Add(1) - 1
	return d.regularQueues[n%uint64(len(d.regularQueues))]
}

func queueKind(task *domain.Task) string {
	if task.RequiresOrdering {
		return QueueKindOrdered
	}
	return QueueKindRegular
}
