package diagnostics

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"
)

// ResourceSnapshot captures host and process state at one sampling
// instant, plus the worker fleet occupancy when a gauge is wired.
type ResourceSnapshot struct {
	Timestamp      time.Time     `json:"timestamp"`
	OpenFDs        int           `json:"open_fds"`
	MaxFDs         int           `json:"max_fds"`
	FDUsagePercent float64       `json:"fd_usage_percent"`
	Goroutines     int           `json:"goroutines"`
	HeapAllocMB    float64       `json:"heap_alloc_mb"`
	HeapInUseMB    float64       `json:"heap_in_use_mb"`
	StackInUseMB   float64       `json:"stack_in_use_mb"`
	GCPauseNS      uint64        `json:"gc_pause_ns"`
	NumGC          uint32        `json:"num_gc"`
	ProcessUptime  time.Duration `json:"process_uptime"`
	ActiveWorkers  int           `json:"active_workers"`
	WorkerCapacity int           `json:"worker_capacity"`
}

// ResourceTrend summarizes growth across the sampling history. A run
// that leaks descriptors or goroutines shows up here long before it
// hits a hard limit.
type ResourceTrend struct {
	FDGrowthRate        float64 // FDs per hour
	GoroutineGrowthRate float64 // goroutines per hour
	MemoryGrowthRate    float64 // MB per hour
	IsHealthy           bool
	Warnings            []string
}

// HealthWarning is one exceeded threshold.
type HealthWarning struct {
	Level   string // "warning" or "critical"
	Type    string // "fd", "goroutine", "memory"
	Message string
	Value   float64
	Limit   float64
}

// FleetGauge reports the worker pool's current occupancy.
type FleetGauge func() (active, capacity int)

// ResourceMonitor samples process resources on an interval and keeps a
// bounded history for trend analysis and crash dumps.
type ResourceMonitor struct {
	interval           time.Duration
	fdThresholdPercent int
	goroutineThreshold int
	memoryThresholdMB  int
	historySize        int
	logger             *slog.Logger
	fleet              FleetGauge

	history []ResourceSnapshot
	mu      sync.RWMutex

	stopCh  chan struct{}
	stopped atomic.Bool
	started time.Time
}

// MonitorOption configures a ResourceMonitor.
type MonitorOption func(*ResourceMonitor)

// WithFDThreshold warns when FD usage exceeds pct percent of the limit.
func WithFDThreshold(pct int) MonitorOption {
	return func(m *ResourceMonitor) { m.fdThresholdPercent = pct }
}

// WithGoroutineThreshold warns when the goroutine count exceeds n.
func WithGoroutineThreshold(n int) MonitorOption {
	return func(m *ResourceMonitor) { m.goroutineThreshold = n }
}

// WithMemoryThreshold warns when heap usage exceeds mb megabytes.
func WithMemoryThreshold(mb int) MonitorOption {
	return func(m *ResourceMonitor) { m.memoryThresholdMB = mb }
}

// WithHistorySize bounds how many snapshots are retained.
func WithHistorySize(n int) MonitorOption {
	return func(m *ResourceMonitor) {
		if n > 0 {
			m.historySize = n
		}
	}
}

// WithFleetGauge wires the worker pool's occupancy into every snapshot.
func WithFleetGauge(g FleetGauge) MonitorOption {
	return func(m *ResourceMonitor) { m.fleet = g }
}

// NewResourceMonitor creates a monitor sampling every interval.
func NewResourceMonitor(interval time.Duration, logger *slog.Logger, opts ...MonitorOption) *ResourceMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m := &ResourceMonitor{
		interval:    interval,
		historySize: 120, // one hour at the 30s default
		logger:      logger,
		stopCh:      make(chan struct{}),
		started:     time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.history = make([]ResourceSnapshot, 0, m.historySize)
	return m
}

// Start launches the sampling loop. It runs until ctx ends or Stop is
// called.
func (m *ResourceMonitor) Start(ctx context.Context) {
	go func() {
		m.recordSnapshot(m.TakeSnapshot())

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.recordSnapshot(m.TakeSnapshot())
				for _, w := range m.CheckHealth() {
					if m.logger != nil {
						m.logger.Warn("resource warning",
							"type", w.Type,
							"level", w.Level,
							"value", w.Value,
							"limit", w.Limit,
							"message", w.Message,
						)
					}
				}
			}
		}
	}()
}

// Stop halts the sampling loop.
func (m *ResourceMonitor) Stop() {
	if m.stopped.CompareAndSwap(false, true) {
		close(m.stopCh)
	}
}

// TakeSnapshot captures the current resource state.
func (m *ResourceMonitor) TakeSnapshot() ResourceSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	openFDs, maxFDs := CountFDs()
	fdPercent := 0.0
	if maxFDs > 0 {
		fdPercent = float64(openFDs) / float64(maxFDs) * 100
	}

	s := ResourceSnapshot{
		Timestamp:      time.Now(),
		OpenFDs:        openFDs,
		MaxFDs:         maxFDs,
		FDUsagePercent: fdPercent,
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocMB:    float64(memStats.HeapAlloc) / 1024 / 1024,
		HeapInUseMB:    float64(memStats.HeapInuse) / 1024 / 1024,
		StackInUseMB:   float64(memStats.StackInuse) / 1024 / 1024,
		GCPauseNS:      memStats.PauseNs[(memStats.NumGC+255)%256],
		NumGC:          memStats.NumGC,
		ProcessUptime:  time.Since(m.started),
	}
	if m.fleet != nil {
		s.ActiveWorkers, s.WorkerCapacity = m.fleet()
	}
	return s
}

func (m *ResourceMonitor) recordSnapshot(s ResourceSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, s)
	if len(m.history) > m.historySize {
		m.history = m.history[len(m.history)-m.historySize:]
	}
}

// GetHistory returns a copy of the retained snapshots.
func (m *ResourceMonitor) GetHistory() []ResourceSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ResourceSnapshot, len(m.history))
	copy(result, m.history)
	return result
}

// GetLatest returns the most recent snapshot.
func (m *ResourceMonitor) GetLatest() (ResourceSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return ResourceSnapshot{}, false
	}
	return m.history[len(m.history)-1], true
}

// GetTrend derives growth rates from the oldest and newest snapshots.
func (m *ResourceMonitor) GetTrend() ResourceTrend {
	history := m.GetHistory()
	if len(history) < 2 {
		return ResourceTrend{IsHealthy: true}
	}

	first := history[0]
	last := history[len(history)-1]
	duration := last.Timestamp.Sub(first.Timestamp).Hours()
	if duration < 0.01 {
		// Under 36 seconds of history the rates are all noise.
		return ResourceTrend{IsHealthy: true}
	}

	trend := ResourceTrend{
		FDGrowthRate:        float64(last.OpenFDs-first.OpenFDs) / duration,
		GoroutineGrowthRate: float64(last.Goroutines-first.Goroutines) / duration,
		MemoryGrowthRate:    (last.HeapAllocMB - first.HeapAllocMB) / duration,
		IsHealthy:           true,
	}

	if trend.FDGrowthRate > 10 {
		trend.IsHealthy = false
		trend.Warnings = append(trend.Warnings,
			fmt.Sprintf("FD count growing at %.1f/hour (potential leak)", trend.FDGrowthRate))
	}
	if trend.GoroutineGrowthRate > 100 {
		trend.IsHealthy = false
		trend.Warnings = append(trend.Warnings,
			fmt.Sprintf("goroutine count growing at %.1f/hour (potential leak)", trend.GoroutineGrowthRate))
	}
	if trend.MemoryGrowthRate > 100 {
		trend.IsHealthy = false
		trend.Warnings = append(trend.Warnings,
			fmt.Sprintf("memory growing at %.1f MB/hour", trend.MemoryGrowthRate))
	}
	return trend
}

// CheckHealth compares the latest snapshot against the configured
// thresholds.
func (m *ResourceMonitor) CheckHealth() []HealthWarning {
	snapshot, ok := m.GetLatest()
	if !ok {
		snapshot = m.TakeSnapshot()
	}

	var warnings []HealthWarning

	if m.fdThresholdPercent > 0 && snapshot.FDUsagePercent > float64(m.fdThresholdPercent) {
		level := "warning"
		if snapshot.FDUsagePercent > 90 {
			level = "critical"
		}
		warnings = append(warnings, HealthWarning{
			Level: level,
			Type:  "fd",
			Message: fmt.Sprintf("FD usage at %.1f%% (threshold: %d%%)",
				snapshot.FDUsagePercent, m.fdThresholdPercent),
			Value: snapshot.FDUsagePercent,
			Limit: float64(m.fdThresholdPercent),
		})
	}

	if m.goroutineThreshold > 0 && snapshot.Goroutines > m.goroutineThreshold {
		level := "warning"
		if snapshot.Goroutines > m.goroutineThreshold*2 {
			level = "critical"
		}
		warnings = append(warnings, HealthWarning{
			Level: level,
			Type:  "goroutine",
			Message: fmt.Sprintf("goroutine count at %d (threshold: %d)",
				snapshot.Goroutines, m.goroutineThreshold),
			Value: float64(snapshot.Goroutines),
			Limit: float64(m.goroutineThreshold),
		})
	}

	if m.memoryThresholdMB > 0 && snapshot.HeapAllocMB > float64(m.memoryThresholdMB) {
		level := "warning"
		if snapshot.HeapAllocMB > float64(m.memoryThresholdMB)*1.5 {
			level = "critical"
		}
		warnings = append(warnings, HealthWarning{
			Level: level,
			Type:  "memory",
			Message: fmt.Sprintf("heap usage at %.1f MB (threshold: %d MB)",
				snapshot.HeapAllocMB, m.memoryThresholdMB),
			Value: snapshot.HeapAllocMB,
			Limit: float64(m.memoryThresholdMB),
		})
	}

	return warnings
}

// Uptime returns how long this monitor (and so the hosting process)
// has been up.
func (m *ResourceMonitor) Uptime() time.Duration {
	return time.Since(m.started)
}
