package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termbridge/task-service/internal/model"
)

func TestSchedulerStore(t *testing.T) {
	ctx := context.Background()
	_, store, clk := setupStores(t)

	t.Run("Create enabled arms next_run", func(t *testing.T) {
		sched := &model.TaskScheduler{
			Name:     "hourly-harvest",
			Kind:     model.TaskKindHarvest,
			Schedule: model.ScheduleConfig{EverySeconds: 3600},
			Enabled:  true,
		}
		require.NoError(t, store.Create(ctx, sched))

		stored, err := store.Get(ctx, sched.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.NextRun)
		assert.Equal(t, clk.Now(), *stored.NextRun)
		assert.Equal(t, int64(3600), stored.Schedule.EverySeconds)
	})

	t.Run("Create disabled leaves next_run empty", func(t *testing.T) {
		sched := &model.TaskScheduler{
			Name:     "dormant",
			Kind:     model.TaskKindOther,
			Schedule: model.ScheduleConfig{Cron: "0 3 * * *"},
			Enabled:  false,
		}
		require.NoError(t, store.Create(ctx, sched))

		stored, err := store.Get(ctx, sched.ID)
		require.NoError(t, err)
		assert.Nil(t, stored.NextRun)
	})

	t.Run("Create accepts ldes-feed kind", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, &model.TaskScheduler{
			Name:     "feed",
			Kind:     model.TaskKindLDESFeed,
			Schedule: model.ScheduleConfig{EverySeconds: 60},
		}))
	})

	t.Run("Create rejects bad schedule", func(t *testing.T) {
		err := store.Create(ctx, &model.TaskScheduler{
			Name:     "broken",
			Kind:     model.TaskKindOther,
			Schedule: model.ScheduleConfig{Cron: "61 * * * *"},
		})
		assert.ErrorIs(t, err, ErrValidation)

		err = store.Create(ctx, &model.TaskScheduler{
			Name:     "both",
			Kind:     model.TaskKindOther,
			Schedule: model.ScheduleConfig{Cron: "* * * * *", EverySeconds: 60},
		})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("Create requires a name", func(t *testing.T) {
		err := store.Create(ctx, &model.TaskScheduler{
			Kind:     model.TaskKindOther,
			Schedule: model.ScheduleConfig{EverySeconds: 60},
		})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestSchedulerUpdate(t *testing.T) {
	ctx := context.Background()
	_, store, clk := setupStores(t)

	sched := &model.TaskScheduler{
		Name:     "nightly",
		Kind:     model.TaskKindHarvest,
		Schedule: model.ScheduleConfig{Cron: "0 3 * * *"},
		Enabled:  true,
	}
	require.NoError(t, store.Create(ctx, sched))
	armed := *sched.NextRun

	t.Run("Partial update leaves next_run alone", func(t *testing.T) {
		clk.Advance(time.Hour)
		name := "nightly-renamed"
		interval := model.ScheduleConfig{EverySeconds: 120}
		updated, err := store.Update(ctx, sched.ID, model.SchedulerUpdate{
			Name:     &name,
			Schedule: &interval,
		})
		require.NoError(t, err)
		assert.Equal(t, "nightly-renamed", updated.Name)
		assert.Equal(t, int64(120), updated.Schedule.EverySeconds)
		assert.Empty(t, updated.Schedule.Cron)
		require.NotNil(t, updated.NextRun)
		assert.Equal(t, armed, *updated.NextRun)
	})

	t.Run("Empty source detaches", func(t *testing.T) {
		source := "src-1"
		updated, err := store.Update(ctx, sched.ID, model.SchedulerUpdate{SourceID: &source})
		require.NoError(t, err)
		require.NotNil(t, updated.SourceID)
		assert.Equal(t, "src-1", *updated.SourceID)

		cleared := ""
		updated, err = store.Update(ctx, sched.ID, model.SchedulerUpdate{SourceID: &cleared})
		require.NoError(t, err)
		assert.Nil(t, updated.SourceID)
	})

	t.Run("Update re-validates", func(t *testing.T) {
		bad := model.ScheduleConfig{}
		_, err := store.Update(ctx, sched.ID, model.SchedulerUpdate{Schedule: &bad})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("Update unknown scheduler", func(t *testing.T) {
		name := "nope"
		_, err := store.Update(ctx, "missing", model.SchedulerUpdate{Name: &name})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSchedulerToggle(t *testing.T) {
	ctx := context.Background()
	_, store, clk := setupStores(t)

	sched := &model.TaskScheduler{
		Name:     "toggle-me",
		Kind:     model.TaskKindOther,
		Schedule: model.ScheduleConfig{EverySeconds: 60},
		Enabled:  true,
	}
	require.NoError(t, store.Create(ctx, sched))
	armed := *sched.NextRun

	t.Run("Disable keeps stored next_run", func(t *testing.T) {
		disabled, err := store.Toggle(ctx, sched.ID)
		require.NoError(t, err)
		assert.False(t, disabled.Enabled)
		require.NotNil(t, disabled.NextRun)
		assert.Equal(t, armed, *disabled.NextRun)
	})

	t.Run("Disabled scheduler is never due", func(t *testing.T) {
		clk.Advance(24 * time.Hour)
		due, err := store.DueSchedulers(ctx, clk.Now(), 10)
		require.NoError(t, err)
		assert.Empty(t, due)
	})

	t.Run("Enable re-arms next_run to now", func(t *testing.T) {
		enabled, err := store.Toggle(ctx, sched.ID)
		require.NoError(t, err)
		assert.True(t, enabled.Enabled)
		require.NotNil(t, enabled.NextRun)
		// Not the stale value from before the disable.
		assert.Equal(t, clk.Now(), *enabled.NextRun)
	})
}

func TestDueSchedulers(t *testing.T) {
	ctx := context.Background()
	_, store, clk := setupStores(t)

	early := &model.TaskScheduler{
		Name:     "early",
		Kind:     model.TaskKindOther,
		Schedule: model.ScheduleConfig{EverySeconds: 60},
		Enabled:  true,
	}
	require.NoError(t, store.Create(ctx, early))

	clk.Advance(time.Minute)
	late := &model.TaskScheduler{
		Name:     "late",
		Kind:     model.TaskKindOther,
		Schedule: model.ScheduleConfig{EverySeconds: 60},
		Enabled:  true,
	}
	require.NoError(t, store.Create(ctx, late))

	due, err := store.DueSchedulers(ctx, clk.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "early", due[0].Name)

	due, err = store.DueSchedulers(ctx, clk.Now(), 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "early", due[0].Name)
}

func TestCreateTaskAndAdvance(t *testing.T) {
	ctx := context.Background()
	tasks, store, clk := setupStores(t)

	sched := &model.TaskScheduler{
		Name:     "minutely",
		Kind:     model.TaskKindHarvest,
		Schedule: model.ScheduleConfig{EverySeconds: 60},
		Enabled:  true,
	}
	require.NoError(t, store.Create(ctx, sched))

	next := sched.NextRun.Add(time.Minute)

	t.Run("Claims and inserts once", func(t *testing.T) {
		task := &model.Task{
			Kind:        sched.Kind,
			SchedulerID: &sched.ID,
			CreatedBy:   "scheduler:" + sched.ID,
		}
		claimed, err := store.CreateTaskAndAdvance(ctx, sched, task, next)
		require.NoError(t, err)
		assert.True(t, claimed)

		stored, err := store.Get(ctx, sched.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.NextRun)
		assert.Equal(t, next, *stored.NextRun)

		created, err := tasks.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusPending, created.Status)
		require.NotNil(t, created.SchedulerID)
		assert.Equal(t, sched.ID, *created.SchedulerID)
	})

	t.Run("Stale claim loses without inserting", func(t *testing.T) {
		// sched still carries the pre-advance next_run.
		task := &model.Task{Kind: sched.Kind, SchedulerID: &sched.ID}
		claimed, err := store.CreateTaskAndAdvance(ctx, sched, task, next.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, claimed)

		_, total, err := tasks.List(ctx, model.TaskFilters{})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
	})

	t.Run("Disabled scheduler cannot be claimed", func(t *testing.T) {
		_, err := store.Toggle(ctx, sched.ID)
		require.NoError(t, err)

		current, err := store.Get(ctx, sched.ID)
		require.NoError(t, err)
		claimed, err := store.CreateTaskAndAdvance(ctx, current, &model.Task{Kind: current.Kind}, clk.Now())
		require.NoError(t, err)
		assert.False(t, claimed)
	})
}
