package system

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/vpnworks/xray-agent/internal/domain"
)

// StatsCollector samples CPU, RAM, and load average from /proc.
// CPU utilization is computed between successive Collect() calls
// without any internal sleep, so the caller controls the sampling interval.
type StatsCollector struct {
	mu           sync.Mutex
	prevCPUIdle  uint64
	prevCPUTotal uint64
}

// NewStatsCollector creates a collector primed with current CPU counters.
func NewStatsCollector() *StatsCollector {
	idle, total := cpuTimes()
	return &StatsCollector{
		prevCPUIdle:  idle,
		prevCPUTotal: total,
	}
}

// Collect returns a point-in-time snapshot of host metrics.
// CPU utilization is the delta since the last Collect() call.
// This method does NOT block.
func (c *StatsCollector) Collect() domain.SystemSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	idle, total := cpuTimes()
	idleDelta := float64(idle - c.prevCPUIdle)
	totalDelta := float64(total - c.prevCPUTotal)
	cpuPercent := 0.0
	if totalDelta > 0 {
		cpuPercent = (1.0 - idleDelta/totalDelta) * 100.0
	}
	c.prevCPUIdle = idle
	c.prevCPUTotal = total

	return domain.SystemSnapshot{
		Load1:   loadAvg(),
		CPUUtil: cpuPercent,
		RAMUtil: ramUtil(),
	}
}

// --- CPU ---

func cpuTimes() (idle, total uint64) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, 0
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) == 0 {
		return 0, 0
	}
	// First line: "cpu  user nice system idle iowait irq softirq steal guest guest_nice"
	fields := strings.Fields(lines[0])
	if len(fields) < 5 {
		return 0, 0
	}
	var values [10]uint64
	for i := 1; i < len(fields) && i <= 10; i++ {
		fmt.Sscanf(fields[i], "%d", &values[i-1])
	}
	for _, v := range values {
		total += v
	}
	idle = values[3] // idle
	if len(fields) > 5 {
		idle += values[4] // iowait
	}
	return idle, total
}

// --- load average ---

func loadAvg() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	var load float64
	fmt.Sscanf(fields[0], "%f", &load)
	return load
}

// --- RAM ---

func ramUtil() float64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	var memTotal, memAvailable uint64
	for _, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			fmt.Sscanf(line, "MemTotal: %d kB", &memTotal)
		case strings.HasPrefix(line, "MemAvailable:"):
			fmt.Sscanf(line, "MemAvailable: %d kB", &memAvailable)
		}
	}
	if memTotal == 0 {
		return 0
	}
	return float64(memTotal-memAvailable) / float64(memTotal) * 100.0
}
