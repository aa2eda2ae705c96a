package sweep

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/termbridge/task-service/internal/clock"
	"github.com/termbridge/task-service/internal/model"
	"github.com/termbridge/task-service/internal/schedule"
	"github.com/termbridge/task-service/internal/storage"
)

// Dispatcher hands freshly materialized tasks to the execution gateway
// and surfaces operational events. The sweep only enqueues; it never
// waits for execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *model.Task) error
	SchedulerDisabled(ctx context.Context, schedulerID, reason string) error
}

// Config holds sweep loop configuration.
type Config struct {
	Interval  time.Duration
	BatchSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second, BatchSize: 100}
}

// Loop converts due schedulers into pending tasks on a fixed tick.
type Loop struct {
	logger     *zap.Logger
	schedulers *storage.SchedulerStore
	dispatcher Dispatcher
	clock      clock.Clock
	config     Config
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// NewLoop creates a sweep loop.
func NewLoop(schedulers *storage.SchedulerStore, dispatcher Dispatcher, clk clock.Clock, cfg Config, logger *zap.Logger) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Loop{
		logger:     logger.Named("sweep"),
		schedulers: schedulers,
		dispatcher: dispatcher,
		clock:      clk,
		config:     cfg,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start runs the loop until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.logger.Info("Sweep loop started", zap.Duration("interval", l.config.Interval))
	ticker := time.NewTicker(l.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(l.doneCh)
			return ctx.Err()
		case <-l.stopCh:
			close(l.doneCh)
			return nil
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.logger.Error("Sweep tick failed", zap.Error(err))
			}
		}
	}
}

// Stop shuts the loop down and waits for the current tick to finish.
func (l *Loop) Stop() {
	close(l.stopCh)
	<-l.doneCh
}

// Tick runs a single sweep: select due schedulers oldest-due first, and
// for each one atomically create a pending task and advance next_run.
func (l *Loop) Tick(ctx context.Context) error {
	now := l.clock.Now()
	due, err := l.schedulers.DueSchedulers(ctx, now, l.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to select due schedulers: %w", err)
	}

	for _, sched := range due {
		if err := l.fire(ctx, sched); err != nil {
			l.logger.Error("Failed to fire scheduler",
				zap.String("scheduler_id", sched.ID),
				zap.Error(err))
		}
	}
	return nil
}

// fire materializes one task for a due scheduler and advances its
// next_run as a single atomic unit.
func (l *Loop) fire(ctx context.Context, sched *model.TaskScheduler) error {
	// Advance from the scheduled instant, not wall-clock now, so tick
	// delay does not drift the cadence.
	next, err := schedule.NextRun(sched.Schedule, *sched.NextRun)
	if err != nil {
		return l.quarantine(ctx, sched, err)
	}

	task := &model.Task{
		Kind:        sched.Kind,
		SchedulerID: &sched.ID,
		SourceID:    sched.SourceID,
		CreatedBy:   "scheduler:" + sched.ID,
	}

	claimed, err := l.schedulers.CreateTaskAndAdvance(ctx, sched, task, next)
	if err != nil {
		return err
	}
	if !claimed {
		// Another sweep or a toggle got there first; this occurrence is
		// not ours to fire.
		l.logger.Debug("Lost sweep claim", zap.String("scheduler_id", sched.ID))
		return nil
	}

	l.logger.Info("Scheduler fired",
		zap.String("scheduler_id", sched.ID),
		zap.String("task_id", task.ID),
		zap.String("kind", string(task.Kind)),
		zap.Time("next_run", next))

	if l.dispatcher != nil {
		if err := l.dispatcher.Dispatch(ctx, task); err != nil {
			// The task is persisted as pending; dispatch is best effort.
			l.logger.Error("Failed to dispatch task",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
	}
	return nil
}

// quarantine auto-disables a scheduler whose configuration can no longer
// be evaluated, instead of retrying it every tick.
func (l *Loop) quarantine(ctx context.Context, sched *model.TaskScheduler, cause error) error {
	l.logger.Error("Scheduler configuration unevaluable, disabling",
		zap.String("scheduler_id", sched.ID),
		zap.Error(cause))

	if err := l.schedulers.Disable(ctx, sched.ID); err != nil {
		return fmt.Errorf("failed to disable scheduler %s: %w", sched.ID, err)
	}
	if l.dispatcher != nil {
		if err := l.dispatcher.SchedulerDisabled(ctx, sched.ID, cause.Error()); err != nil {
			l.logger.Error("Failed to publish disable event",
				zap.String("scheduler_id", sched.ID),
				zap.Error(err))
		}
	}
	return nil
}
