package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"taskmaster/internal/domain"
	"taskmaster/internal/graph"
	"taskmaster/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	calls atomic.Int32
}

func (c *countingSource) CountByStatus() map[domain.TaskStatus]int {
	c.calls.Add(1)
	return map[domain.TaskStatus]int{domain.TaskStatusPending: 1}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func gauge(status domain.TaskStatus) float64 {
	return testutil.ToFloat64(metrics.TasksByStatus.WithLabelValues(string(status)))
}

func TestReportSetsGauges(t *testing.T) {
	store := graph.NewStore()
	done, err := store.Create("done", nil, false)
	require.NoError(t, err)
	_, err = store.Create("waiting", []string{done.ID}, false)
	require.NoError(t, err)
	_, err = store.Begin(done.ID)
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(done.ID, domain.TaskStatusCompleted, nil))

	r, err := NewStatusReporter(store, "@every 1h", discardLogger())
	require.NoError(t, err)
	r.Report()

	assert.Equal(t, 1.0, gauge(domain.TaskStatusPending))
	assert.Equal(t, 0.0, gauge(domain.TaskStatusInProgress))
	assert.Equal(t, 1.0, gauge(domain.TaskStatusCompleted))
	assert.Equal(t, 0.0, gauge(domain.TaskStatusFailed))
}

func TestStatusReporterRunsOnSchedule(t *testing.T) {
	source := &countingSource{}
	r, err := NewStatusReporter(source, "@every 1s", discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	require.Eventually(t, func() bool { return source.calls.Load() > 0 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestNewStatusReporterRejectsBadSchedule(t *testing.T) {
	_, err := NewStatusReporter(graph.NewStore(), "not a schedule", discardLogger())
	assert.Error(t, err)
}
