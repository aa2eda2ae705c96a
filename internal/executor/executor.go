package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/termbridge/task-service/internal/model"
)

const (
	taskDispatchSubject = "task.dispatch"
	taskStatusSubject   = "task.status"
	taskResultSubject   = "task.result"
	heartbeatSubject    = "executor.heartbeat"

	workerQueueGroup = "task_executors"
)

// Config defines configuration for the executor.
type Config struct {
	ID                string
	MaxTasks          int
	HeartbeatInterval time.Duration
}

// TaskHandler performs the payload of one task kind.
type TaskHandler interface {
	Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error)
}

// Executor is an in-process member of the execution worker population. It
// consumes dispatched tasks, runs the handler registered for the task's
// kind and reports progress and outcome back through the gateway
// subjects. Retry policy, if any, lives here, not in the core.
type Executor struct {
	logger       *zap.Logger
	js           nats.JetStreamContext
	config       Config
	handlers     map[model.TaskKind]TaskHandler
	runningTasks sync.Map
	sem          chan struct{}
	stopCh       chan struct{}
}

// New creates an executor and subscribes it to the dispatch subject.
func New(js nats.JetStreamContext, config Config, logger *zap.Logger) (*Executor, error) {
	if config.MaxTasks <= 0 {
		config.MaxTasks = 10
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 5 * time.Second
	}

	e := &Executor{
		logger:   logger.Named("executor"),
		js:       js,
		config:   config,
		handlers: make(map[model.TaskKind]TaskHandler),
		sem:      make(chan struct{}, config.MaxTasks),
		stopCh:   make(chan struct{}),
	}

	if err := e.subscribe(); err != nil {
		return nil, err
	}
	go e.heartbeat()

	return e, nil
}

// RegisterHandler registers a handler for a task kind.
func (e *Executor) RegisterHandler(kind model.TaskKind, handler TaskHandler) {
	e.handlers[kind] = handler
}

func (e *Executor) subscribe() error {
	_, err := e.js.QueueSubscribe(
		taskDispatchSubject,
		workerQueueGroup,
		func(msg *nats.Msg) {
			var task model.Task
			if err := json.Unmarshal(msg.Data, &task); err != nil {
				e.logger.Error("Failed to unmarshal task", zap.Error(err))
				return
			}

			go func() {
				if err := e.ExecuteTask(context.Background(), &task); err != nil {
					e.logger.Error("Failed to execute task",
						zap.String("task_id", task.ID),
						zap.Error(err))
				}
			}()

			if err := msg.Ack(); err != nil {
				e.logger.Error("Failed to acknowledge message", zap.Error(err))
			}
		},
		nats.ManualAck(),
		nats.AckWait(30*time.Second),
		nats.MaxDeliver(3),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to tasks: %w", err)
	}
	return nil
}

// ExecuteTask runs one task through its handler and reports the outcome.
func (e *Executor) ExecuteTask(ctx context.Context, task *model.Task) error {
	e.sem <- struct{}{}
	defer func() { <-e.sem }()

	e.runningTasks.Store(task.ID, task)
	defer e.runningTasks.Delete(task.ID)

	// Claim the task before doing any work; the store may refuse if it
	// was cancelled or claimed elsewhere, in which case we stop here.
	if err := e.report(&model.TaskResult{
		TaskID:     task.ID,
		ExecutorID: e.config.ID,
		Status:     model.TaskStatusRunning,
	}, taskStatusSubject); err != nil {
		return err
	}

	handler, ok := e.handlers[task.Kind]
	if !ok {
		return e.report(&model.TaskResult{
			TaskID:      task.ID,
			ExecutorID:  e.config.ID,
			Status:      model.TaskStatusFailed,
			Error:       fmt.Sprintf("no handler registered for kind %q", task.Kind),
			CompletedAt: time.Now().UTC(),
		}, taskResultSubject)
	}

	e.logger.Info("Executing task",
		zap.String("task_id", task.ID),
		zap.String("kind", string(task.Kind)))

	result, err := handler.Execute(ctx, task)
	if err != nil {
		result = &model.TaskResult{
			TaskID: task.ID,
			Status: model.TaskStatusFailed,
			Error:  err.Error(),
		}
	}
	result.ExecutorID = e.config.ID
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now().UTC()
	}

	return e.report(result, taskResultSubject)
}

// RunningTasks returns the tasks currently being executed.
func (e *Executor) RunningTasks() []*model.Task {
	var tasks []*model.Task
	e.runningTasks.Range(func(key, value interface{}) bool {
		if task, ok := value.(*model.Task); ok {
			tasks = append(tasks, task)
		}
		return true
	})
	return tasks
}

// Stop stops the heartbeat loop.
func (e *Executor) Stop() {
	e.logger.Info("Stopping executor")
	close(e.stopCh)
}

// heartbeat periodically publishes liveness and resource statistics.
func (e *Executor) heartbeat() {
	ticker := time.NewTicker(e.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			stats := e.collectStats()
			data, err := json.Marshal(model.Heartbeat{
				ExecutorID: e.config.ID,
				Timestamp:  time.Now().UTC(),
				Stats:      stats,
			})
			if err != nil {
				e.logger.Error("Failed to marshal heartbeat", zap.Error(err))
				continue
			}
			if _, err := e.js.Publish(heartbeatSubject, data); err != nil {
				e.logger.Error("Failed to publish heartbeat", zap.Error(err))
			}
		}
	}
}

func (e *Executor) report(result *model.TaskResult, subject string) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if _, err := e.js.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish result: %w", err)
	}
	return nil
}
