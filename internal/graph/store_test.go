package graph

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"taskmaster/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreCreate(t *testing.T) {
	store := NewStore()

	b, err := store.Create("build", nil, false)
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, domain.TaskStatusPending, b.Status)
	assert.Empty(t, b.Dependencies)
	assert.False(t, b.Dispatched)

	a, err := store.Create("deploy", []string{b.ID, b.ID}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, a.Dependencies, "duplicate dependencies collapse")
	assert.True(t, a.RequiresOrdering)

	assert.Equal(t, []string{a.ID}, store.DependentsOf(b.ID))
	assert.Empty(t, store.DependentsOf(a.ID))
	assert.Equal(t, 2, store.Len())
}

func TestStoreCreateUnknownDependency(t *testing.T) {
	store := NewStore()
	existing, err := store.Create("existing", nil, false)
	require.NoError(t, err)
	before := store.Len()

	_, err = store.Create("orphan", []string{existing.ID, "nonexistent"}, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnknownDependency))
	assert.Contains(t, err.Error(), "nonexistent")

	assert.Equal(t, before, store.Len())
	assert.Empty(t, store.DependentsOf(existing.ID), "rejected task must not be linked")
	for _, task := range store.ListAll() {
		assert.NotEqual(t, "orphan", task.Message)
	}
}

func TestStoreCreateRetriesOnIDCollision(t *testing.T) {
	store := NewStore()
	ids := []string{"same", "same", "other"}
	store.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	first, err := store.Create("one", nil, false)
	require.NoError(t, err)
	second, err := store.Create("two", nil, false)
	require.NoError(t, err)

	assert.Equal(t, "same", first.ID)
	assert.Equal(t, "other", second.ID)
}

func TestStoreGetNotFound(t *testing.T) {
	_, err := NewStore().Get("missing")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestStoreGetReturnsCopy(t *testing.T) {
	store := NewStore()
	dep, _ := store.Create("dep", nil, false)
	task, _ := store.Create("task", []string{dep.ID}, false)

	got, err := store.Get(task.ID)
	require.NoError(t, err)
	got.Status = domain.TaskStatusCompleted
	got.Dependencies[0] = "mutated"

	again, err := store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, again.Status)
	assert.Equal(t, []string{dep.ID}, again.Dependencies)
}

func TestStoreStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []domain.TaskStatus
		wantErr bool
	}{
		{name: "happy path", path: []domain.TaskStatus{domain.TaskStatusInProgress, domain.TaskStatusCompleted}},
		{name: "failure path", path: []domain.TaskStatus{domain.TaskStatusInProgress, domain.TaskStatusFailed}},
		{name: "skip in progress", path: []domain.TaskStatus{domain.TaskStatusCompleted}, wantErr: true},
		{name: "back to pending", path: []domain.TaskStatus{domain.TaskStatusInProgress, domain.TaskStatusPending}, wantErr: true},
		{name: "leave terminal", path: []domain.TaskStatus{domain.TaskStatusInProgress, domain.TaskStatusFailed, domain.TaskStatusCompleted}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewStore()
			task, err := store.Create("work", nil, false)
			require.NoError(t, err)

			var lastErr error
			for _, status := range tt.path {
				if lastErr = store.SetStatus(task.ID, status, nil); lastErr != nil {
					break
				}
			}
			if tt.wantErr {
				assert.ErrorIs(t, lastErr, domain.ErrInvalidTransition)
			} else {
				assert.NoError(t, lastErr)
			}
		})
	}
}

func TestStoreSetStatusRecordsError(t *testing.T) {
	store := NewStore()
	task, _ := store.Create("work", nil, false)

	require.NoError(t, store.SetStatus(task.ID, domain.TaskStatusInProgress, nil))
	require.NoError(t, store.SetStatus(task.ID, domain.TaskStatusFailed, errors.New("boom")))

	got, _ := store.Get(task.ID)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)

	assert.ErrorIs(t, store.SetStatus("missing", domain.TaskStatusFailed, nil), domain.ErrTaskNotFound)
}

func TestStoreBegin(t *testing.T) {
	store := NewStore()
	task, _ := store.Create("work", nil, false)

	prev, err := store.Begin(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, prev)

	prev, err = store.Begin(task.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.TaskStatusInProgress, prev)

	_, err = store.Begin("missing")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestStoreBeginIsExclusive(t *testing.T) {
	store := NewStore()
	task, _ := store.Create("work", nil, false)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Begin(task.ID); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestStoreMarkDispatched(t *testing.T) {
	store := NewStore()
	task, _ := store.Create("work", nil, false)

	require.NoError(t, store.MarkDispatched(task.ID))
	got, _ := store.Get(task.ID)
	assert.True(t, got.Dispatched)
	assert.Equal(t, domain.TaskStatusPending, got.Status)

	assert.ErrorIs(t, store.MarkDispatched("missing"), domain.ErrTaskNotFound)
}

func TestStoreListAllDependencyOrder(t *testing.T) {
	store := NewStore()
	x, _ := store.Create("x", nil, false)
	y, _ := store.Create("y", nil, false)
	z, _ := store.Create("z", []string{x.ID, y.ID}, false)
	w, _ := store.Create("w", []string{z.ID}, true)

	tasks := store.ListAll()
	require.Len(t, tasks, 4)

	pos := make(map[string]int, len(tasks))
	for i, task := range tasks {
		pos[task.ID] = i
	}
	assert.Less(t, pos[x.ID], pos[z.ID])
	assert.Less(t, pos[y.ID], pos[z.ID])
	assert.Less(t, pos[z.ID], pos[w.ID])
}

func TestStoreIndexIsDualOfDependencies(t *testing.T) {
	store := NewStore()
	var ids []string
	for i := 0; i < 20; i++ {
		var deps []string
		for j, id := range ids {
			if (i+j)%3 == 0 {
				deps = append(deps, id)
			}
		}
		task, err := store.Create(fmt.Sprintf("task-%d", i), deps, false)
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	for _, task := range store.ListAll() {
		for _, depID := range task.Dependencies {
			assert.Contains(t, store.DependentsOf(depID), task.ID)
		}
		for _, dependentID := range store.DependentsOf(task.ID) {
			dependent, err := store.Get(dependentID)
			require.NoError(t, err)
			assert.Contains(t, dependent.Dependencies, task.ID)
		}
	}
}

func TestStoreConcurrentCreate(t *testing.T) {
	store := NewStore()
	root, _ := store.Create("root", nil, false)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Create(fmt.Sprintf("child-%d", i), []string{root.ID}, i%2 == 0)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 51, store.Len())
	assert.Len(t, store.DependentsOf(root.ID), 50)
}

func TestStoreCountByStatus(t *testing.T) {
	store := NewStore()
	a, _ := store.Create("a", nil, false)
	b, _ := store.Create("b", nil, false)
	store.Create("c", nil, false)

	store.Begin(a.ID)
	store.SetStatus(a.ID, domain.TaskStatusCompleted, nil)
	store.Begin(b.ID)

	counts := store.CountByStatus()
	assert.Equal(t, 1, counts[domain.TaskStatusPending])
	assert.Equal(t, 1, counts[domain.TaskStatusInProgress])
	assert.Equal(t, 1, counts[domain.TaskStatusCompleted])
	assert.Equal(t, 0, counts[domain.TaskStatusFailed])
}
