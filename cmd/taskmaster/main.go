// cmd/taskmaster/main.go
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	http_api "taskmaster/internal/api/http"
	"taskmaster/internal/config"
	"taskmaster/internal/dispatch"
	"taskmaster/internal/domain"
	"taskmaster/internal/graph"
	"taskmaster/internal/infra/etcd"
	http_infra "taskmaster/internal/infra/http"
	"taskmaster/internal/infra/memory"
	shell_infra "taskmaster/internal/infra/shell"
	sleep_infra "taskmaster/internal/infra/sleep"
	"taskmaster/internal/scheduler"
	"taskmaster/internal/tracing"
	"taskmaster/internal/usecase"
	"taskmaster/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// corsMiddleware wraps an http.Handler with CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	// 1. Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 3. Initialize tracer
	traceOpts := tracing.Options{SampleRatio: cfg.TraceSampleRatio}
	if cfg.TraceEnabled {
		traceOpts.Writer = log.Writer()
	}
	tracerShutdown, err := tracing.InitTracer("taskmaster", traceOpts)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			log.Printf("failed to shutdown tracer: %v", err)
		}
	}()

	log.Println("Starting taskmaster...")

	// 4. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel)

	// 5. Connect the durable queue service
	broker, closeBroker := newBroker(cfg, logger)
	defer closeBroker()

	// 6. Instantiate components
	store := graph.NewStore()
	resolver := graph.NewResolver(store)
	dispatcher := dispatch.NewDispatcher(store, resolver, broker, dispatch.Config{
		OrderedQueue:    cfg.OrderedQueue,
		RegularQueues:   cfg.RegularQueues,
		BreakerFailures: cfg.BreakerFailures,
		BreakerTimeout:  cfg.BreakerTimeout,
	}, logger)

	handler := worker.NewHandler(store, dispatcher, newExecutor(cfg, logger), logger)
	pool := worker.NewPool(broker, handler, worker.PoolConfig{
		OrderedQueue:   cfg.OrderedQueue,
		RegularQueues:  cfg.RegularQueues,
		RegularWorkers: cfg.RegularWorkers,
		ReconnectDelay: cfg.ReconnectDelay,
	}, logger)

	taskService := usecase.NewTaskService(store, dispatcher, logger)
	taskHandler := http_api.NewTaskHandler(taskService, logger)

	reporter, err := scheduler.NewStatusReporter(store, cfg.ReportSchedule, logger)
	if err != nil {
		log.Fatalf("Failed to create status reporter: %v", err)
	}

	// 7. Start workers and the status reporter
	poolDone := make(chan error, 1)
	go func() {
		poolDone <- pool.Run(rootCtx)
	}()
	go func() {
		if err := reporter.Start(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("status reporter stopped with error", "error", err)
		}
	}()

	// 8. Register routes and metrics endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	taskHandler.RegisterRoutes(mux)

	// 9. Start HTTP API server
	log.Printf("Starting HTTP API server on %s", cfg.HttpListenAddr)
	server := &http.Server{
		Addr:              cfg.HttpListenAddr,
		Handler:           corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// 10. Block until shutdown
	<-rootCtx.Done()
	log.Println("Shutting down application gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown failed: %v", err)
	}

	// Running tasks are not cancelled; wait for them to finish.
	select {
	case err := <-poolDone:
		if err != nil {
			log.Printf("worker pool stopped with error: %v", err)
		}
	case <-shutdownCtx.Done():
		log.Println("Timed out waiting for running tasks")
	}

	log.Println("Application shut down.")
}

// newBroker connects the configured queue backend and returns it with its
// cleanup function.
func newBroker(cfg *config.Config, logger *slog.Logger) (domain.Broker, func()) {
	switch cfg.Broker {
	case config.BrokerMemory:
		log.Println("Using in-memory queues; queued tasks do not survive a restart.")
		broker := memory.NewBroker(logger)
		return broker, func() { _ = broker.Close() }
	default:
		etcdClient, err := etcd.NewClient(context.Background(), cfg.EtcdEndpoints, cfg.EtcdTimeout)
		if err != nil {
			log.Fatalf("Failed to create etcd client: %v", err)
		}
		log.Println("Connected to etcd.")
		broker := etcd.NewEtcdBroker(etcdClient, cfg.SessionTTL, logger)
		return broker, func() { closeEtcd(broker, etcdClient, logger) }
	}
}

func closeEtcd(broker domain.Broker, client *clientv3.Client, logger *slog.Logger) {
	if err := broker.Close(); err != nil {
		logger.Error("failed to close etcd broker", "error", err)
	}
	if err := client.Close(); err != nil {
		logger.Error("failed to close etcd client", "error", err)
	}
}

func newExecutor(cfg *config.Config, logger *slog.Logger) domain.TaskExecutor {
	switch cfg.Executor {
	case config.ExecutorShell:
		return shell_infra.NewShellTaskExecutor(cfg.Shell, logger)
	case config.ExecutorHTTP:
		return http_infra.NewHttpTaskExecutor(cfg.WebhookURL, cfg.WebhookTimeout)
	default:
		return sleep_infra.NewSleepTaskExecutor(cfg.SleepDuration, logger)
	}
}

func setupGracefulShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v. Initiating graceful shutdown...", sig)
		cancel()
	}()
}
