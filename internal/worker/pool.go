package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"taskmaster/internal/domain"

	"golang.org/x/sync/errgroup"
)

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	OrderedQueue   string
	RegularQueues  []string
	RegularWorkers int
	ReconnectDelay time.Duration
}

// Pool is the fixed set of workers: RegularWorkers consumers spread over
// the regular queues and exactly one consumer on the ordered queue. The
// single ordered consumer is what keeps ordered tasks strictly sequential.
type Pool struct {
	workers []*Worker
	logger  *slog.Logger
}

// NewPool builds the workers. Regular worker i consumes
// RegularQueues[i % len(RegularQueues)].
func NewPool(broker domain.Broker, handler *Handler, cfg PoolConfig, logger *slog.Logger) *Pool {
	var workers []*Worker
	if len(cfg.RegularQueues) > 0 {
		for i := 0; i < cfg.RegularWorkers; i++ {
			queue := cfg.RegularQueues[i%len(cfg.RegularQueues)]
			workers = append(workers, NewWorker(fmt.Sprintf("regular-%d", i), queue, broker, handler, cfg.ReconnectDelay, logger))
		}
	}
	workers = append(workers, NewWorker("ordered", cfg.OrderedQueue, broker, handler, cfg.ReconnectDelay, logger))

	return &Pool{
		workers: workers,
		logger:  logger.With("component", "worker-pool"),
	}
}

// Workers returns the pool members.
func (p *Pool) Workers() []*Worker {
	return append([]*Worker(nil), p.workers...)
}

// Run starts every worker and blocks until ctx is cancelled and all of them
// have returned.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	p.logger.Info("workers started", "count", len(p.workers))
	return g.Wait()
}
