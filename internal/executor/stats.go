package executor

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/termbridge/task-service/internal/model"
)

// collectStats samples host CPU and memory usage for the heartbeat.
func (e *Executor) collectStats() *model.ExecutorStats {
	stats := &model.ExecutorStats{
		TaskCount:   len(e.RunningTasks()),
		CollectedAt: time.Now().UTC(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats.CPUUsage = percents[0]
	} else if err != nil {
		e.logger.Warn("Failed to sample CPU usage", zap.Error(err))
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryUsage = vm.UsedPercent
	} else {
		e.logger.Warn("Failed to sample memory usage", zap.Error(err))
	}

	return stats
}
