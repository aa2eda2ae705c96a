package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/termbridge/task-service/internal/clock"
	"github.com/termbridge/task-service/internal/model"
)

const (
	heartbeatSubject     = "executor.heartbeat"
	executorStaleSubject = "ops.executor.stale"
)

// StaleEvent is published when an executor stops heartbeating.
type StaleEvent struct {
	ExecutorID string    `json:"executor_id"`
	LastSeen   time.Time `json:"last_seen"`
	DetectedAt time.Time `json:"detected_at"`
}

// HeartbeatMonitor tracks executor liveness from heartbeat messages.
// An executor that misses heartbeats for longer than StaleAfter is
// reported once on ops.executor.stale and again only after it recovers.
type HeartbeatMonitor struct {
	logger     *zap.Logger
	js         nats.JetStreamContext
	clock      clock.Clock
	staleAfter time.Duration
	interval   time.Duration

	mu       sync.RWMutex
	lastSeen map[string]model.Heartbeat
	reported map[string]bool

	sub  *nats.Subscription
	stop chan struct{}
}

// Config defines heartbeat monitor settings.
type Config struct {
	StaleAfter    time.Duration
	CheckInterval time.Duration
}

// NewHeartbeatMonitor creates a monitor. Zero config fields fall back
// to 30s staleness and 10s checks.
func NewHeartbeatMonitor(js nats.JetStreamContext, clk clock.Clock, cfg Config, logger *zap.Logger) *HeartbeatMonitor {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Second
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	return &HeartbeatMonitor{
		logger:     logger.Named("monitor"),
		js:         js,
		clock:      clk,
		staleAfter: cfg.StaleAfter,
		interval:   cfg.CheckInterval,
		lastSeen:   make(map[string]model.Heartbeat),
		reported:   make(map[string]bool),
		stop:       make(chan struct{}),
	}
}

// Start subscribes to heartbeats and begins the staleness check loop.
func (m *HeartbeatMonitor) Start(ctx context.Context) error {
	sub, err := m.js.Subscribe(heartbeatSubject, m.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("failed to subscribe to heartbeats: %w", err)
	}
	m.sub = sub

	go m.checkLoop(ctx)

	m.logger.Info("Heartbeat monitor started",
		zap.Duration("stale_after", m.staleAfter))
	return nil
}

// Stop unsubscribes and stops the check loop.
func (m *HeartbeatMonitor) Stop() {
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
	close(m.stop)
}

func (m *HeartbeatMonitor) handleHeartbeat(msg *nats.Msg) {
	var hb model.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		m.logger.Error("Failed to unmarshal heartbeat", zap.Error(err))
		return
	}
	if hb.ExecutorID == "" {
		return
	}

	m.mu.Lock()
	if m.reported[hb.ExecutorID] {
		m.logger.Info("Executor recovered", zap.String("executor_id", hb.ExecutorID))
		delete(m.reported, hb.ExecutorID)
	}
	m.lastSeen[hb.ExecutorID] = hb
	m.mu.Unlock()
}

func (m *HeartbeatMonitor) checkLoop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.CheckStale(ctx)
		}
	}
}

// CheckStale reports executors whose last heartbeat is older than the
// staleness window. Exported so tests can drive checks directly.
func (m *HeartbeatMonitor) CheckStale(ctx context.Context) []string {
	now := m.clock.Now()

	m.mu.Lock()
	var stale []string
	for id, hb := range m.lastSeen {
		if now.Sub(hb.Timestamp) <= m.staleAfter || m.reported[id] {
			continue
		}
		m.reported[id] = true
		stale = append(stale, id)

		event, err := json.Marshal(StaleEvent{
			ExecutorID: id,
			LastSeen:   hb.Timestamp,
			DetectedAt: now,
		})
		if err != nil {
			continue
		}
		if _, err := m.js.Publish(executorStaleSubject, event, nats.Context(ctx)); err != nil {
			m.logger.Error("Failed to publish stale event",
				zap.String("executor_id", id),
				zap.Error(err))
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.logger.Warn("Executor heartbeat stale", zap.String("executor_id", id))
	}
	return stale
}

// Executors returns the latest heartbeat per known executor.
func (m *HeartbeatMonitor) Executors() map[string]model.Heartbeat {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]model.Heartbeat, len(m.lastSeen))
	for id, hb := range m.lastSeen {
		out[id] = hb
	}
	return out
}
