package model

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transition is permitted from s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// ValidStatus reports whether s is a member of the closed status set.
func ValidStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskKind identifies what kind of work a task carries
type TaskKind string

const (
	TaskKindFileUpload      TaskKind = "file-upload"
	TaskKindLDESSync        TaskKind = "ldes-sync"
	TaskKindLDESFeed        TaskKind = "ldes-feed"
	TaskKindTriplestoreSync TaskKind = "triplestore-sync"
	TaskKindHarvest         TaskKind = "harvest"
	TaskKindOther           TaskKind = "other"
)

// ValidTaskKind reports whether k may be used for a task.
// ldes-feed is scheduler-only and is rejected here.
func ValidTaskKind(k TaskKind) bool {
	switch k {
	case TaskKindFileUpload, TaskKindLDESSync, TaskKindTriplestoreSync, TaskKindHarvest, TaskKindOther:
		return true
	}
	return false
}

// ValidSchedulerKind reports whether k may be used for a scheduler.
func ValidSchedulerKind(k TaskKind) bool {
	return ValidTaskKind(k) || k == TaskKindLDESFeed
}

// Task represents one concrete, trackable unit of work
type Task struct {
	ID          string          `json:"id"`
	Kind        TaskKind        `json:"kind"`
	SchedulerID *string         `json:"scheduler_id,omitempty"`
	SourceID    *string         `json:"source_id,omitempty"`
	Status      TaskStatus      `json:"status"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedBy   string          `json:"created_by"`

	// Timing fields
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskResult represents the outcome reported by an execution worker
type TaskResult struct {
	TaskID      string          `json:"task_id"`
	ExecutorID  string          `json:"executor_id,omitempty"`
	Status      TaskStatus      `json:"status"`
	Error       string          `json:"error,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// TaskUpdate carries a partial update for a task. Nil fields are untouched.
type TaskUpdate struct {
	Status   *TaskStatus     `json:"status,omitempty"`
	Error    *string         `json:"error,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// TaskFilters defines the filters for listing tasks
type TaskFilters struct {
	Status   []TaskStatus
	Kind     []TaskKind
	SourceID string
	Limit    int
	Offset   int
}

const (
	// DefaultPageLimit is used when no limit is supplied.
	DefaultPageLimit = 50
	// MaxPageLimit is the upper bound a caller can request.
	MaxPageLimit = 100
)

// ClampPage normalizes limit and offset to their allowed ranges.
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
