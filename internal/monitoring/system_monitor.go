package monitoring

import (
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

const sampleInterval = 15 * time.Second

// SystemMonitor samples process resource usage into the Prometheus gauges on
// a fixed ticker.
type SystemMonitor struct {
	metrics  *Metrics
	logger   zerolog.Logger
	proc     *process.Process
	interval time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewSystemMonitor attaches to the current process. When the process handle
// cannot be obtained, memory sampling is skipped and CPU falls back to the
// host-wide reading.
func NewSystemMonitor(metrics *Metrics, logger zerolog.Logger) *SystemMonitor {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to attach to own process, host-wide sampling only")
		proc = nil
	}
	return &SystemMonitor{
		metrics:  metrics,
		logger:   logger.With().Str("component", "system_monitor").Logger(),
		proc:     proc,
		interval: sampleInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sampling loop.
func (sm *SystemMonitor) Start() {
	go sm.run()
}

func (sm *SystemMonitor) run() {
	defer close(sm.done)
	defer RecoverPanic(sm.logger, "system_monitor")

	ticker := time.NewTicker(sm.interval)
	defer ticker.Stop()

	sm.sample()
	for {
		select {
		case <-ticker.C:
			sm.sample()
		case <-sm.stop:
			return
		}
	}
}

func (sm *SystemMonitor) sample() {
	sm.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if sm.proc != nil {
		if memInfo, err := sm.proc.MemoryInfo(); err == nil {
			sm.metrics.MemoryRSS.Set(float64(memInfo.RSS))
		}
		if pct, err := sm.proc.CPUPercent(); err == nil {
			sm.metrics.CPUPercent.Set(pct)
			return
		}
	}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		sm.metrics.CPUPercent.Set(pcts[0])
	}
}

// Stop halts the sampling loop and waits for it to exit.
func (sm *SystemMonitor) Stop() {
	close(sm.stop)
	<-sm.done
}
