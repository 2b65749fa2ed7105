package worker

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/antcode/antcode/pkg/types"
)

// collectMetrics snapshots host resources for the heartbeat payload. Probe
// failures leave the corresponding fields zero rather than failing the
// heartbeat.
func collectMetrics(dataDir string, running, queued int) *types.WorkerMetrics {
	m := &types.WorkerMetrics{
		RunningTasks: running,
		QueuedTasks:  queued,
		CollectedAt:  time.Now().UTC(),
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		m.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.MemoryPercent = vm.UsedPercent
		m.MemoryUsed = vm.Used
	}
	if du, err := disk.Usage(dataDir); err == nil {
		m.DiskFreeBytes = du.Free
	}
	return m
}
