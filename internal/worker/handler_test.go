package worker

import (
	"context"
	"testing"

	"taskmaster/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deliver publishes body on regularQueue and hands the delivery to the
// handler through a fresh channel.
func deliver(t *testing.T, f *fixture, body []byte) (domain.Channel, error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.broker.Publish(ctx, regularQueue, body))

	ch, err := f.broker.Dial(ctx, "test-consumer")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	d, err := ch.Next(ctx, regularQueue)
	require.NoError(t, err)
	return ch, f.handler.Handle(ctx, "test-consumer", ch, d)
}

func encode(t *testing.T, id, message string) []byte {
	t.Helper()
	body, err := domain.TaskMessage{TaskID: id, Message: message}.Encode()
	require.NoError(t, err)
	return body
}

func TestHandleDropsMalformedMessage(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"not json", []byte("definitely not json")},
		{"missing task id", []byte(`{"message":"hello"}`)},
		{"empty body", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := deliver(t, f, tt.body)
			require.NoError(t, err)

			assert.Zero(t, f.broker.Depth(regularQueue), "malformed message must be acknowledged")
			assert.Empty(t, f.executor.Started())
		})
	}
}

func TestHandleAcksUnknownTask(t *testing.T) {
	f := newFixture(t)
	_, err := deliver(t, f, encode(t, "ghost", "boo"))
	require.NoError(t, err)

	assert.Zero(t, f.broker.Depth(regularQueue))
	assert.Empty(t, f.executor.Started())
}

func TestHandleCompletesAndReleasesDependents(t *testing.T) {
	f := newFixture(t)
	parent, err := f.store.Create("parent", nil, false)
	require.NoError(t, err)
	child, err := f.store.Create("child", []string{parent.ID}, true)
	require.NoError(t, err)

	_, err = deliver(t, f, encode(t, parent.ID, parent.Message))
	require.NoError(t, err)

	assert.Equal(t, domain.TaskStatusCompleted, f.status(t, parent.ID))
	assert.Equal(t, []string{"parent"}, f.executor.Started())

	bodies := f.broker.Bodies(orderedQueue)
	require.Len(t, bodies, 1, "ordered child goes to the ordered queue")
	msg, err := domain.DecodeTaskMessage(bodies[0])
	require.NoError(t, err)
	assert.Equal(t, child.ID, msg.TaskID)
}

func TestHandleRecordsFailure(t *testing.T) {
	f := newFixture(t)
	f.executor.fail["bad"] = true
	bad, err := f.store.Create("bad", nil, false)
	require.NoError(t, err)
	_, err = f.store.Create("after", []string{bad.ID}, false)
	require.NoError(t, err)

	_, err = deliver(t, f, encode(t, bad.ID, bad.Message))
	require.NoError(t, err)

	task, err := f.store.Get(bad.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
	assert.Contains(t, task.Error, domain.ErrExecutionFailure.Error())
	assert.Zero(t, f.broker.Depth(regularQueue))
	assert.Zero(t, f.broker.Depth(orderedQueue))
}

func TestHandleRedeliveryOfCompletedTask(t *testing.T) {
	f := newFixture(t)
	done, err := f.store.Create("done", nil, false)
	require.NoError(t, err)
	_, err = f.store.Begin(done.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.SetStatus(done.ID, domain.TaskStatusCompleted, nil))

	// The dependent was never dispatched: the previous consumer died between
	// completing the task and releasing its dependents.
	child, err := f.store.Create("child", []string{done.ID}, false)
	require.NoError(t, err)

	_, err = deliver(t, f, encode(t, done.ID, done.Message))
	require.NoError(t, err)

	assert.Empty(t, f.executor.Started(), "completed task must not run again")
	bodies := f.broker.Bodies(regularQueue)
	require.Len(t, bodies, 1)
	msg, err := domain.DecodeTaskMessage(bodies[0])
	require.NoError(t, err)
	assert.Equal(t, child.ID, msg.TaskID)
}

func TestHandleRedeliverySkipsRunningAndFailedTasks(t *testing.T) {
	for _, status := range []domain.TaskStatus{domain.TaskStatusInProgress, domain.TaskStatusFailed} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			task, err := f.store.Create("busy", nil, false)
			require.NoError(t, err)
			_, err = f.store.Create("child", []string{task.ID}, false)
			require.NoError(t, err)
			_, err = f.store.Begin(task.ID)
			require.NoError(t, err)
			if status == domain.TaskStatusFailed {
				require.NoError(t, f.store.SetStatus(task.ID, domain.TaskStatusFailed, assert.AnError))
			}

			_, err = deliver(t, f, encode(t, task.ID, task.Message))
			require.NoError(t, err)

			assert.Empty(t, f.executor.Started())
			assert.Equal(t, status, f.status(t, task.ID))
			assert.Zero(t, f.broker.Depth(regularQueue))
		})
	}
}

func TestHandleReportsAckFailure(t *testing.T) {
	f := newFixture(t)
	task, err := f.store.Create("work", nil, false)
	require.NoError(t, err)
	child, err := f.store.Create("child", []string{task.ID}, false)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, f.broker.Publish(ctx, regularQueue, encode(t, task.ID, task.Message)))
	ch, err := f.broker.Dial(ctx, "test-consumer")
	require.NoError(t, err)
	d, err := ch.Next(ctx, regularQueue)
	require.NoError(t, err)

	gate := f.executor.gate("work")
	result := make(chan error, 1)
	go func() { result <- f.handler.Handle(ctx, "test-consumer", ch, d) }()

	require.Eventually(t, func() bool { return len(f.executor.Started()) == 1 }, waitFor, tick)
	f.broker.Sever()
	close(gate)

	err = <-result
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransport)

	assert.Equal(t, domain.TaskStatusCompleted, f.status(t, task.ID))
	childTask, err := f.store.Get(child.ID)
	require.NoError(t, err)
	assert.True(t, childTask.Dispatched, "dependents are released even when the ack fails")
	// The unacknowledged delivery is back at the head of the queue.
	assert.Equal(t, 2, f.broker.Depth(regularQueue))
}
