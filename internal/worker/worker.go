// internal/worker/worker.go
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"taskmaster/internal/domain"
	"taskmaster/internal/metrics"

	"github.com/cenkalti/backoff/v4"
)

// State is the connection state of a worker.
type State int32

const (
	StateConnecting State = iota
	StateConsuming
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConsuming:
		return "consuming"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Worker is a long-lived consumer bound to one queue. It handles deliveries
// strictly one at a time and reconnects after a fixed delay whenever the
// queue connection fails.
type Worker struct {
	id             string
	queue          string
	broker         domain.Broker
	handler        *Handler
	reconnectDelay time.Duration
	state          atomic.Int32
	logger         *slog.Logger
}

// NewWorker creates a worker consuming queue.
func NewWorker(id, queue string, broker domain.Broker, handler *Handler, reconnectDelay time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		id:             id,
		queue:          queue,
		broker:         broker,
		handler:        handler,
		reconnectDelay: reconnectDelay,
		logger:         logger.With("component", "worker", "worker_id", id, "queue", queue),
	}
}

// ID returns the worker identifier.
func (w *Worker) ID() string { return w.id }

// Queue returns the queue this worker consumes.
func (w *Worker) Queue() string { return w.queue }

// State returns the current connection state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	connected := 0.0
	if s == StateConsuming {
		connected = 1
	}
	metrics.WorkerConnected.WithLabelValues(w.id, w.queue).Set(connected)
}

// Run connects and consumes until ctx is cancelled. Transport failures never
// end the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")
	defer func() {
		w.setState(StateStopped)
		w.logger.Info("worker stopped")
	}()

	policy := backoff.WithContext(backoff.NewConstantBackOff(w.reconnectDelay), ctx)
	err := backoff.RetryNotify(func() error {
		return w.session(ctx)
	}, policy, func(err error, wait time.Duration) {
		w.setState(StateConnecting)
		metrics.WorkerReconnectsTotal.WithLabelValues(w.id).Inc()
		w.logger.Warn("worker reconnecting", "error", err, "retry_in", wait)
	})

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// session runs one connection lifetime. It returns a permanent error only
// when ctx is done.
func (w *Worker) session(ctx context.Context) error {
	w.setState(StateConnecting)
	ch, err := w.broker.Dial(ctx, w.id)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	defer func() {
		if err := ch.Close(); err != nil {
			w.logger.Debug("failed to close channel", "error", err)
		}
	}()

	w.setState(StateConsuming)
	w.logger.Info("consuming")

	for {
		d, err := ch.Next(ctx, w.queue)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		if err := w.handler.Handle(ctx, w.id, ch, d); err != nil {
			return err
		}
	}
}
