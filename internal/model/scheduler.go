package model

import (
	"time"
)

// ScheduleConfig describes how often a scheduler fires. Exactly one of
// Cron (a 5-field calendar expression) or EverySeconds (a positive
// interval) must be set.
type ScheduleConfig struct {
	Cron         string `json:"cron,omitempty"`
	EverySeconds int64  `json:"everySeconds,omitempty"`
}

// IsInterval reports whether the config is interval-shaped.
func (c ScheduleConfig) IsInterval() bool {
	return c.EverySeconds != 0 && c.Cron == ""
}

// Interval returns the interval duration for an interval-shaped config.
func (c ScheduleConfig) Interval() time.Duration {
	return time.Duration(c.EverySeconds) * time.Second
}

// TaskScheduler represents a persisted rule describing recurring work
type TaskScheduler struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Kind      TaskKind       `json:"kind"`
	Schedule  ScheduleConfig `json:"schedule"`
	Enabled   bool           `json:"enabled"`
	SourceID  *string        `json:"source_id,omitempty"`
	CreatedBy string         `json:"created_by"`
	NextRun   *time.Time     `json:"next_run,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SchedulerUpdate carries a partial update for a scheduler. Nil fields
// are untouched. NextRun is deliberately absent: it changes only via
// toggle or the sweep.
type SchedulerUpdate struct {
	Name     *string         `json:"name,omitempty"`
	Kind     *TaskKind       `json:"kind,omitempty"`
	Schedule *ScheduleConfig `json:"schedule,omitempty"`
	SourceID *string         `json:"source_id,omitempty"`
}

// SchedulerFilters defines the filters for listing schedulers
type SchedulerFilters struct {
	Enabled *bool
	Limit   int
	Offset  int
}
