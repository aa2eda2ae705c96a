package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/termbridge/task-service/internal/model"
	"github.com/termbridge/task-service/internal/storage"
)

const (
	taskStreamName      = "TASKS"
	taskDispatchSubject = "task.dispatch"
	taskStatusSubject   = "task.status"
	taskResultSubject   = "task.result"

	opsStreamName            = "OPS"
	schedulerDisabledSubject = "ops.scheduler.disabled"

	executorStreamName = "EXECUTORS"

	streamMaxAge     = 24 * time.Hour
	streamMaxMsgs    = -1
	operationTimeout = 30 * time.Second
)

// Gateway is the bridge to the external execution workers over NATS
// JetStream. Pending tasks go out on task.dispatch; workers report
// progress on task.status and outcomes on task.result, which the gateway
// turns into transition requests against the task store. The store
// accepts or rejects each request; the gateway never interprets payloads
// and never retries failed work.
type Gateway struct {
	js     nats.JetStreamContext
	logger *zap.Logger
	tasks  *storage.TaskStore
}

// SchedulerDisabledEvent is the operational event recorded when the sweep
// quarantines a scheduler.
type SchedulerDisabledEvent struct {
	SchedulerID string    `json:"scheduler_id"`
	Reason      string    `json:"reason"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// New creates a gateway, sets up the streams and subscribes to worker
// reports.
func New(js nats.JetStreamContext, tasks *storage.TaskStore, logger *zap.Logger) (*Gateway, error) {
	g := &Gateway{
		js:     js,
		logger: logger.Named("gateway"),
		tasks:  tasks,
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := g.setupStreams(ctx); err != nil {
		return nil, fmt.Errorf("failed to setup streams: %w", err)
	}
	if err := g.setupSubscribers(ctx); err != nil {
		return nil, fmt.Errorf("failed to setup subscribers: %w", err)
	}
	return g, nil
}

func (g *Gateway) setupStreams(ctx context.Context) error {
	streams := []struct {
		name     string
		subjects []string
	}{
		{name: taskStreamName, subjects: []string{"task.*"}},
		{name: opsStreamName, subjects: []string{"ops.>"}},
		{name: executorStreamName, subjects: []string{"executor.*"}},
	}

	for _, stream := range streams {
		_, err := g.js.AddStream(&nats.StreamConfig{
			Name:     stream.name,
			Subjects: stream.subjects,
			Storage:  nats.FileStorage,
			MaxAge:   streamMaxAge,
			MaxMsgs:  streamMaxMsgs,
		}, nats.Context(ctx))
		if err != nil {
			if err == nats.ErrStreamNameAlreadyInUse {
				g.logger.Info("Stream already exists", zap.String("stream", stream.name))
				continue
			}
			return err
		}
		g.logger.Info("Stream created successfully", zap.String("stream", stream.name))
	}
	return nil
}

func (g *Gateway) setupSubscribers(ctx context.Context) error {
	if _, err := g.js.Subscribe(taskStatusSubject, g.handleReport, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", taskStatusSubject, err)
	}
	if _, err := g.js.Subscribe(taskResultSubject, g.handleReport, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", taskResultSubject, err)
	}
	return nil
}

// Dispatch enqueues a pending task for the worker population. It never
// waits for completion.
func (g *Gateway) Dispatch(ctx context.Context, task *model.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	if _, err := g.js.Publish(taskDispatchSubject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish task: %w", err)
	}

	g.logger.Info("Task dispatched",
		zap.String("task_id", task.ID),
		zap.String("kind", string(task.Kind)))
	return nil
}

// SchedulerDisabled records the operational event emitted when a
// scheduler is auto-disabled by the sweep.
func (g *Gateway) SchedulerDisabled(ctx context.Context, schedulerID, reason string) error {
	data, err := json.Marshal(SchedulerDisabledEvent{
		SchedulerID: schedulerID,
		Reason:      reason,
		OccurredAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := g.js.Publish(schedulerDisabledSubject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// handleReport applies a worker's status or result report as a transition
// request. Rejected requests are logged and dropped: a worker retry must
// not flip a recorded outcome.
func (g *Gateway) handleReport(msg *nats.Msg) {
	var report model.TaskResult
	if err := json.Unmarshal(msg.Data, &report); err != nil {
		g.logger.Error("Failed to unmarshal worker report", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if _, err := g.tasks.Transition(ctx, report.TaskID, report.Status, report.Error); err != nil {
		switch {
		case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrInvalidTransition):
			g.logger.Warn("Worker report rejected",
				zap.String("task_id", report.TaskID),
				zap.String("requested", string(report.Status)),
				zap.Error(err))
		case errors.Is(err, storage.ErrNotFound):
			g.logger.Warn("Worker report for unknown task",
				zap.String("task_id", report.TaskID))
		default:
			g.logger.Error("Failed to apply worker report",
				zap.String("task_id", report.TaskID),
				zap.Error(err))
		}
		return
	}

	if len(report.Metadata) > 0 {
		if err := g.tasks.UpdateMetadata(ctx, report.TaskID, report.Metadata); err != nil {
			g.logger.Error("Failed to store result metadata",
				zap.String("task_id", report.TaskID),
				zap.Error(err))
		}
	}
}
