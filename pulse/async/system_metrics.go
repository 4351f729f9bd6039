package async

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/tempo/errors"
)

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"`  // Number of workers currently executing jobs
	WorkersTotal  int     `json:"workers_total"`   // Total configured workers
	TasksStarted  int64   `json:"tasks_started"`   // Tasks dispatched since the pool was created
	UptimeSeconds float64 `json:"uptime_seconds"`  // Time since the pool was created
	MemoryUsedGB  float64 `json:"memory_used_gb"`  // Current memory usage in GB
	MemoryTotalGB float64 `json:"memory_total_gb"` // Total system memory in GB
	MemoryPercent float64 `json:"memory_percent"`  // Memory utilization percentage
}

// memoryPressurePercent is the utilization above which startup warns
const memoryPressurePercent = 90.0

// getMemoryStats returns current memory usage in bytes
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}

	return v.Total, v.Available, nil
}

// SystemMetrics returns current system resource usage
func (wp *WorkerPool) SystemMetrics() SystemMetrics {
	total, available, err := getMemoryStats()

	var memUsedGB, memTotalGB, memPercent float64
	if err == nil && total > 0 {
		memTotalGB = float64(total) / 1024 / 1024 / 1024
		memUsedGB = float64(total-available) / 1024 / 1024 / 1024
		memPercent = (memUsedGB / memTotalGB) * 100
	}

	wp.mu.Lock()
	activeWorkers := wp.busy
	dispatched := wp.dispatched
	wp.mu.Unlock()

	return SystemMetrics{
		WorkersActive: activeWorkers,
		WorkersTotal:  wp.size,
		TasksStarted:  dispatched,
		UptimeSeconds: time.Since(wp.startTime).Seconds(),
		MemoryUsedGB:  memUsedGB,
		MemoryTotalGB: memTotalGB,
		MemoryPercent: memPercent,
	}
}

// checkMemoryPressure returns a warning when the host is already short on
// memory, empty string if OK
func (wp *WorkerPool) checkMemoryPressure() string {
	total, available, err := getMemoryStats()
	if err != nil || total == 0 {
		return "" // Can't check, assume OK
	}

	used := float64(total-available) / float64(total) * 100
	if used > memoryPressurePercent {
		return fmt.Sprintf(
			"Memory is %.0f%% used before any job ran (%.1f/%.1fGB). "+
				"Consider fewer workers for memory-hungry jobs.",
			used, float64(total-available)/1024/1024/1024, float64(total)/1024/1024/1024)
	}

	return ""
}
