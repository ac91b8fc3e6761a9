package monitoring

import (
	"math"
	"runtime"
	"time"
)

// RuntimeStats is a point-in-time view of the helper process
type RuntimeStats struct {
	Uptime     string `json:"uptime"`
	UptimeMs   int64  `json:"uptime_ms"`
	Goroutines int    `json:"goroutines"`
	HeapMB     int64  `json:"heap_mb"`
	SysMB      int64  `json:"sys_mb"`
	GCCycles   uint32 `json:"gc_cycles"`
	Healthy    bool   `json:"healthy"`
}

// Health thresholds for the helper process
const (
	maxHeapBytes  = int64(256 * 1024 * 1024)
	maxGoroutines = 1000
)

// RuntimeMonitor reports process health for the control API
type RuntimeMonitor struct {
	startedAt time.Time
	now       func() time.Time
}

// NewRuntimeMonitor starts the uptime clock
func NewRuntimeMonitor() *RuntimeMonitor {
	return &RuntimeMonitor{startedAt: time.Now(), now: time.Now}
}

// Uptime returns time since the monitor was created
func (rm *RuntimeMonitor) Uptime() time.Duration {
	return rm.now().Sub(rm.startedAt)
}

// Stats reads runtime memory statistics
func (rm *RuntimeMonitor) Stats() RuntimeStats {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	heap := safeUint64ToInt64(memStats.HeapAlloc)
	goroutines := runtime.NumGoroutine()
	uptime := rm.Uptime()

	return RuntimeStats{
		Uptime:     uptime.Round(time.Second).String(),
		UptimeMs:   uptime.Milliseconds(),
		Goroutines: goroutines,
		HeapMB:     heap / (1024 * 1024),
		SysMB:      safeUint64ToInt64(memStats.Sys) / (1024 * 1024),
		GCCycles:   memStats.NumGC,
		Healthy:    heap < maxHeapBytes && goroutines < maxGoroutines,
	}
}

// safeUint64ToInt64 safely converts uint64 to int64, capping at max int64 value
func safeUint64ToInt64(val uint64) int64 {
	if val > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(val)
}
