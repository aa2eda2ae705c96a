package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/termbridge/task-service/internal/clock"
	"github.com/termbridge/task-service/internal/model"
)

func setupStores(t *testing.T) (*TaskStore, *SchedulerStore, *clock.Fake) {
	t.Helper()

	db, err := Open(zap.NewNop(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	logger := zap.NewNop()
	return NewTaskStore(db, clk, logger), NewSchedulerStore(db, clk, logger), clk
}

func TestTaskStore(t *testing.T) {
	ctx := context.Background()
	store, _, clk := setupStores(t)

	t.Run("Create and Get", func(t *testing.T) {
		task := &model.Task{
			Kind:      model.TaskKindHarvest,
			Metadata:  json.RawMessage(`{"collection_uri":"http://example.org/c1"}`),
			CreatedBy: "tester",
		}
		require.NoError(t, store.Create(ctx, task))
		require.NotEmpty(t, task.ID)

		stored, err := store.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusPending, stored.Status)
		assert.Equal(t, clk.Now(), stored.CreatedAt)
		assert.JSONEq(t, `{"collection_uri":"http://example.org/c1"}`, string(stored.Metadata))
		assert.Nil(t, stored.StartedAt)
		assert.Nil(t, stored.CompletedAt)
	})

	t.Run("Create rejects unknown kind", func(t *testing.T) {
		err := store.Create(ctx, &model.Task{Kind: "bogus"})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("Create rejects scheduler-only kind", func(t *testing.T) {
		err := store.Create(ctx, &model.Task{Kind: model.TaskKindLDESFeed})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("Get unknown task", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTaskTransitions(t *testing.T) {
	ctx := context.Background()
	store, _, clk := setupStores(t)

	create := func(t *testing.T) *model.Task {
		t.Helper()
		task := &model.Task{Kind: model.TaskKindOther, CreatedBy: "tester"}
		require.NoError(t, store.Create(ctx, task))
		return task
	}

	t.Run("Running sets started_at once", func(t *testing.T) {
		task := create(t)
		start := clk.Now()

		updated, err := store.Transition(ctx, task.ID, model.TaskStatusRunning, "")
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusRunning, updated.Status)
		require.NotNil(t, updated.StartedAt)
		assert.Equal(t, start, *updated.StartedAt)
	})

	t.Run("Completed sets completed_at", func(t *testing.T) {
		task := create(t)
		_, err := store.Transition(ctx, task.ID, model.TaskStatusRunning, "")
		require.NoError(t, err)

		clk.Advance(5 * time.Second)
		updated, err := store.Transition(ctx, task.ID, model.TaskStatusCompleted, "")
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusCompleted, updated.Status)
		require.NotNil(t, updated.CompletedAt)
		assert.Equal(t, clk.Now(), *updated.CompletedAt)
	})

	t.Run("Terminal re-request is a no-op", func(t *testing.T) {
		task := create(t)
		_, err := store.Transition(ctx, task.ID, model.TaskStatusRunning, "")
		require.NoError(t, err)
		first, err := store.Transition(ctx, task.ID, model.TaskStatusCompleted, "")
		require.NoError(t, err)

		clk.Advance(time.Minute)
		second, err := store.Transition(ctx, task.ID, model.TaskStatusCompleted, "")
		require.NoError(t, err)
		assert.Equal(t, *first.CompletedAt, *second.CompletedAt)
	})

	t.Run("Conflicting terminal is rejected", func(t *testing.T) {
		task := create(t)
		_, err := store.Transition(ctx, task.ID, model.TaskStatusRunning, "")
		require.NoError(t, err)
		_, err = store.Transition(ctx, task.ID, model.TaskStatusCompleted, "")
		require.NoError(t, err)

		_, err = store.Transition(ctx, task.ID, model.TaskStatusFailed, "late failure")
		assert.ErrorIs(t, err, ErrConflict)

		stored, err := store.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusCompleted, stored.Status)
		assert.Empty(t, stored.Error)
	})

	t.Run("Failed requires an error message", func(t *testing.T) {
		task := create(t)
		_, err := store.Transition(ctx, task.ID, model.TaskStatusRunning, "")
		require.NoError(t, err)

		_, err = store.Transition(ctx, task.ID, model.TaskStatusFailed, "")
		assert.ErrorIs(t, err, ErrValidation)

		updated, err := store.Transition(ctx, task.ID, model.TaskStatusFailed, "boom")
		require.NoError(t, err)
		assert.Equal(t, "boom", updated.Error)
		assert.NotNil(t, updated.CompletedAt)
	})

	t.Run("Pending cannot complete directly", func(t *testing.T) {
		task := create(t)
		_, err := store.Transition(ctx, task.ID, model.TaskStatusCompleted, "")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("Pending can be cancelled", func(t *testing.T) {
		task := create(t)
		updated, err := store.Transition(ctx, task.ID, model.TaskStatusRunning, "")
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusRunning, updated.Status)

		other := create(t)
		cancelled, err := store.Transition(ctx, other.ID, model.TaskStatusCancelled, "")
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusCancelled, cancelled.Status)
	})

	t.Run("Unknown status", func(t *testing.T) {
		task := create(t)
		_, err := store.Transition(ctx, task.ID, "paused", "")
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestTaskList(t *testing.T) {
	ctx := context.Background()
	store, _, clk := setupStores(t)

	source := "src-1"
	for i := 0; i < 5; i++ {
		kind := model.TaskKindHarvest
		if i%2 == 0 {
			kind = model.TaskKindOther
		}
		task := &model.Task{Kind: kind, SourceID: &source, CreatedBy: "tester"}
		require.NoError(t, store.Create(ctx, task))
		clk.Advance(time.Second)
	}

	t.Run("Newest first", func(t *testing.T) {
		tasks, total, err := store.List(ctx, model.TaskFilters{})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, tasks, 5)
		for i := 1; i < len(tasks); i++ {
			assert.False(t, tasks[i].CreatedAt.After(tasks[i-1].CreatedAt))
		}
	})

	t.Run("Filter by kind", func(t *testing.T) {
		tasks, total, err := store.List(ctx, model.TaskFilters{Kind: []model.TaskKind{model.TaskKindHarvest}})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		for _, task := range tasks {
			assert.Equal(t, model.TaskKindHarvest, task.Kind)
		}
	})

	t.Run("Filter by status", func(t *testing.T) {
		tasks, total, err := store.List(ctx, model.TaskFilters{Status: []model.TaskStatus{model.TaskStatusPending}})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		assert.Len(t, tasks, 5)
	})

	t.Run("Pagination clamps out-of-range values", func(t *testing.T) {
		tasks, total, err := store.List(ctx, model.TaskFilters{Limit: 500, Offset: -5})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		assert.Len(t, tasks, 5)

		page, total, err := store.List(ctx, model.TaskFilters{Limit: 2, Offset: 4})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		assert.Len(t, page, 1)
	})
}

func TestTaskStats(t *testing.T) {
	ctx := context.Background()
	store, _, _ := setupStores(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Create(ctx, &model.Task{Kind: model.TaskKindHarvest}))
	}
	task := &model.Task{Kind: model.TaskKindOther}
	require.NoError(t, store.Create(ctx, task))
	_, err := store.Transition(ctx, task.ID, model.TaskStatusRunning, "")
	require.NoError(t, err)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.ByStatus[model.TaskStatusPending])
	assert.Equal(t, 1, stats.ByStatus[model.TaskStatusRunning])
	assert.Equal(t, 3, stats.ByKind[model.TaskKindHarvest])
	assert.Equal(t, 1, stats.ByKind[model.TaskKindOther])
	assert.Len(t, stats.Recent, 4)
}

func TestTaskDelete(t *testing.T) {
	ctx := context.Background()
	store, _, _ := setupStores(t)

	task := &model.Task{Kind: model.TaskKindOther}
	require.NoError(t, store.Create(ctx, task))
	_, err := store.Transition(ctx, task.ID, model.TaskStatusRunning, "")
	require.NoError(t, err)

	// Deletion is status-independent.
	require.NoError(t, store.Delete(ctx, task.ID))
	_, err = store.Get(ctx, task.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.Delete(ctx, task.ID), ErrNotFound)
}
