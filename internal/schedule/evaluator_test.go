package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termbridge/task-service/internal/model"
)

func TestValidate(t *testing.T) {
	t.Run("Interval", func(t *testing.T) {
		require.NoError(t, Validate(model.ScheduleConfig{EverySeconds: 60}))
		require.NoError(t, Validate(model.ScheduleConfig{EverySeconds: 1}))
	})

	t.Run("Cron", func(t *testing.T) {
		require.NoError(t, Validate(model.ScheduleConfig{Cron: "0 3 * * *"}))
		require.NoError(t, Validate(model.ScheduleConfig{Cron: "*/5 * * * *"}))
		require.NoError(t, Validate(model.ScheduleConfig{Cron: "0 0 29 2 *"})) // leap day, rare but legal
	})

	t.Run("Rejects malformed", func(t *testing.T) {
		assert.ErrorIs(t, Validate(model.ScheduleConfig{}), ErrInvalidConfig)
		assert.ErrorIs(t, Validate(model.ScheduleConfig{EverySeconds: -5}), ErrInvalidConfig)
		assert.ErrorIs(t, Validate(model.ScheduleConfig{Cron: "not a cron"}), ErrInvalidConfig)
		assert.ErrorIs(t, Validate(model.ScheduleConfig{Cron: "0 3 * * *", EverySeconds: 60}), ErrInvalidConfig)
		assert.ErrorIs(t, Validate(model.ScheduleConfig{Cron: "61 * * * *"}), ErrInvalidConfig)
	})

	t.Run("Rejects unsatisfiable", func(t *testing.T) {
		// Day 31 in February never exists.
		assert.ErrorIs(t, Validate(model.ScheduleConfig{Cron: "0 0 31 2 *"}), ErrUnsatisfiable)
	})
}

func TestNextRunInterval(t *testing.T) {
	ref := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

	for _, seconds := range []int64{1, 30, 60, 3600, 86400} {
		next, err := NextRun(model.ScheduleConfig{EverySeconds: seconds}, ref)
		require.NoError(t, err)
		assert.Equal(t, ref.Add(time.Duration(seconds)*time.Second), next)
	}
}

func TestNextRunIntervalTruncatesToSeconds(t *testing.T) {
	ref := time.Date(2025, time.March, 10, 12, 0, 0, 750*int(time.Millisecond), time.UTC)

	next, err := NextRun(model.ScheduleConfig{EverySeconds: 10}, ref)
	require.NoError(t, err)
	assert.Zero(t, next.Nanosecond())
	assert.Equal(t, ref.Truncate(time.Second).Add(10*time.Second), next)
}

func TestNextRunCalendar(t *testing.T) {
	ref := time.Date(2025, time.March, 10, 12, 30, 45, 0, time.UTC)

	t.Run("Fixed fields satisfied", func(t *testing.T) {
		next, err := NextRun(model.ScheduleConfig{Cron: "0 3 * * *"}, ref)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, time.March, 11, 3, 0, 0, 0, time.UTC), next)
	})

	t.Run("Strictly after reference", func(t *testing.T) {
		exact := time.Date(2025, time.March, 10, 3, 0, 0, 0, time.UTC)
		next, err := NextRun(model.ScheduleConfig{Cron: "0 3 * * *"}, exact)
		require.NoError(t, err)
		assert.True(t, next.After(exact))
		assert.Equal(t, exact.AddDate(0, 0, 1), next)
	})

	t.Run("Unspecified fields match any value", func(t *testing.T) {
		next, err := NextRun(model.ScheduleConfig{Cron: "*/15 * * * *"}, ref)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, time.March, 10, 12, 45, 0, 0, time.UTC), next)
	})

	t.Run("Day of month rollover", func(t *testing.T) {
		// Day 31 exists only in some months; legal but skips ahead.
		next, err := NextRun(model.ScheduleConfig{Cron: "0 0 31 * *"}, time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, time.May, 31, 0, 0, 0, 0, time.UTC), next)
	})

	t.Run("Unsatisfiable fails fast", func(t *testing.T) {
		_, err := NextRun(model.ScheduleConfig{Cron: "0 0 31 2 *"}, ref)
		assert.ErrorIs(t, err, ErrUnsatisfiable)
	})
}

func TestNextRunDeterministic(t *testing.T) {
	ref := time.Date(2025, time.June, 1, 9, 15, 0, 0, time.UTC)
	cfg := model.ScheduleConfig{Cron: "30 */2 * * 1"}

	first, err := NextRun(cfg, ref)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := NextRun(cfg, ref)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
