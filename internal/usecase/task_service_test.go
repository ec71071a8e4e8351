package usecase

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"taskmaster/internal/domain"
	"taskmaster/internal/graph"
	"taskmaster/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// fakeDispatcher dispatches every pending task whose dependencies are
// completed, recording each attempt.
type fakeDispatcher struct {
	mu       sync.Mutex
	store    *graph.Store
	attempts []string
}

func (d *fakeDispatcher) TryDispatch(ctx context.Context, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts = append(d.attempts, id)

	task, statuses, err := d.store.DependencyStatuses(id)
	if err != nil || !graph.Ready(task.Dependencies, statuses) {
		return false
	}
	return d.store.MarkDispatched(id) == nil
}

func (d *fakeDispatcher) DispatchDependents(ctx context.Context, id string) []string {
	return nil
}

func newTestService(t *testing.T) (*TaskService, *graph.Store, *fakeDispatcher) {
	t.Helper()
	store := graph.NewStore()
	dispatcher := &fakeDispatcher{store: store}
	return NewTaskService(store, dispatcher, slog.New(slog.NewTextHandler(io.Discard, nil))), store, dispatcher
}

func TestCreateTaskDispatchesReadyTask(t *testing.T) {
	svc, store, dispatcher := newTestService(t)
	before := testutil.ToFloat64(metrics.TasksCreatedTotal)

	id, err := svc.CreateTask(context.Background(), "echo hi", nil, false)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.TasksCreatedTotal))
	assert.Equal(t, []string{id}, dispatcher.attempts)

	task, err := store.Get(id)
	require.NoError(t, err)
	assert.True(t, task.Dispatched)
	assert.Equal(t, domain.TaskStatusPending, task.Status)
}

func TestCreateTaskWithPendingDependency(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	b, err := svc.CreateTask(ctx, "b", nil, false)
	require.NoError(t, err)
	a, err := svc.CreateTask(ctx, "a", []string{b}, true)
	require.NoError(t, err)

	task, err := svc.GetTask(ctx, a)
	require.NoError(t, err)
	assert.False(t, task.Dispatched, "dependency is not completed yet")
	assert.True(t, task.RequiresOrdering)
	assert.Equal(t, []string{b}, task.Dependencies)
}

func TestCreateTaskUnknownDependency(t *testing.T) {
	svc, store, dispatcher := newTestService(t)

	_, err := svc.CreateTask(context.Background(), "orphan", []string{"nope"}, false)
	require.ErrorIs(t, err, domain.ErrUnknownDependency)
	assert.Zero(t, store.Len())
	assert.Empty(t, dispatcher.attempts)
}

func TestGetTaskNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestListTasks(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	assert.Empty(t, svc.ListTasks(ctx))

	root, err := svc.CreateTask(ctx, "root", nil, false)
	require.NoError(t, err)
	leaf, err := svc.CreateTask(ctx, "leaf", []string{root}, false)
	require.NoError(t, err)

	tasks := svc.ListTasks(ctx)
	require.Len(t, tasks, 2)
	assert.Equal(t, root, tasks[0].ID)
	assert.Equal(t, leaf, tasks[1].ID)
}

func TestCreateTaskRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	svc, _, _ := newTestService(t)
	_, err := svc.CreateTask(context.Background(), "traced", []string{"nope"}, false)
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "service.CreateTask", spans[0].Name())
	assert.Equal(t, "failed to create task in store", spans[0].Status().Description)
	require.NotEmpty(t, spans[0].Events(), "error is recorded on the span")
}
