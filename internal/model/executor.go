package model

import "time"

// ExecutorStats represents worker performance statistics published with
// each heartbeat.
type ExecutorStats struct {
	TaskCount   int       `json:"task_count"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	CollectedAt time.Time `json:"collected_at"`
}

// Heartbeat is the periodic liveness report of an execution worker.
type Heartbeat struct {
	ExecutorID string         `json:"executor_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Stats      *ExecutorStats `json:"stats,omitempty"`
}
