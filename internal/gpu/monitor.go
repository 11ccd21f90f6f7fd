package gpu

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Tecet/OLLM-CLI-sub015/internal/events"
)

// maxProbeRetries is how many consecutive probe failures are tolerated
// (with exponential backoff) before the monitor latches into CPU-only
// mode for the process lifetime. ClearCache resets the latch.
const maxProbeRetries = 3

// retryBaseDelay is the first backoff delay; it doubles per attempt.
const retryBaseDelay = 500 * time.Millisecond

// ErrCPUOnly is returned by GetInfo when no GPU query tool is present.
var ErrCPUOnly = errors.New("gpu: no vendor tool available, running CPU-only")

// LowMemoryFunc is invoked when available VRAM crosses below the
// configured ratio. Fired at most once per crossing: it will not
// re-fire until availability recovers above the threshold.
type LowMemoryFunc func(info VRAMInfo)

// Config controls monitor behavior.
type Config struct {
	// LowMemoryRatio fires the low-memory callback when
	// available/total drops below it. Default 0.15.
	LowMemoryRatio float64
}

// Monitor polls GPU memory on its own schedule and publishes readings.
// It never holds conversation locks: consumers read the cached last
// reading, and the poll loop runs independently.
type Monitor struct {
	cfg    Config
	run    runner
	bus    *events.Bus
	logger *slog.Logger

	mu        sync.Mutex
	last      VRAMInfo
	haveLast  bool
	cpuMode   bool
	lowLatch  bool
	callbacks []LowMemoryFunc

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor. bus may be nil.
func NewMonitor(cfg Config, bus *events.Bus, logger *slog.Logger) *Monitor {
	if cfg.LowMemoryRatio <= 0 {
		cfg.LowMemoryRatio = 0.15
	}
	return &Monitor{
		cfg:    cfg,
		run:    execRunner,
		bus:    bus,
		logger: logger.With("component", "gpu"),
	}
}

// OnLowMemory registers a callback for low-memory crossings.
func (m *Monitor) OnLowMemory(fn LowMemoryFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// GetInfo returns current VRAM information. Transient probe failures
// return the last known reading; only when no reading has ever
// succeeded does it return ErrCPUOnly with a zero-vendor CPU info.
func (m *Monitor) GetInfo(ctx context.Context) (VRAMInfo, error) {
	m.mu.Lock()
	if m.cpuMode {
		last, have := m.last, m.haveLast
		m.mu.Unlock()
		if have {
			return last, nil
		}
		return VRAMInfo{Vendor: VendorCPU, Timestamp: time.Now().UTC()}, ErrCPUOnly
	}
	m.mu.Unlock()

	info, err := m.probeWithRetry(ctx)
	if err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.haveLast {
			return m.last, nil
		}
		return VRAMInfo{Vendor: VendorCPU, Timestamp: time.Now().UTC()}, ErrCPUOnly
	}

	m.observe(info)
	return info, nil
}

// CPUMode reports whether the monitor has latched into CPU-only mode.
func (m *Monitor) CPUMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cpuMode
}

// ClearCache drops the cached reading and the CPU-mode latch, forcing
// the next GetInfo to probe hardware again.
func (m *Monitor) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = VRAMInfo{}
	m.haveLast = false
	m.cpuMode = false
	m.lowLatch = false
}

// StartPolling begins periodic probing. Call StopPolling to stop; a
// second StartPolling without stopping is a no-op.
func (m *Monitor) StartPolling(ctx context.Context, interval time.Duration) {
	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	m.logger.Info("vram polling started", "interval", interval)

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		// Take one reading immediately so consumers have data before
		// the first tick.
		m.poll(pollCtx)

		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				m.poll(pollCtx)
			}
		}
	}()
}

// StopPolling stops the poll loop and waits for it to exit.
func (m *Monitor) StopPolling() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("vram polling stopped")
}

func (m *Monitor) poll(ctx context.Context) {
	m.mu.Lock()
	cpuMode := m.cpuMode
	m.mu.Unlock()
	if cpuMode {
		return
	}

	info, err := m.probeWithRetry(ctx)
	if err != nil {
		return
	}
	m.observe(info)
}

// probeWithRetry walks the vendor probe order. Each full pass that
// fails is retried with exponential backoff; after maxProbeRetries
// consecutive failing passes the monitor latches into CPU-only mode.
func (m *Monitor) probeWithRetry(ctx context.Context) (VRAMInfo, error) {
	var lastErr error
	delay := retryBaseDelay

	for attempt := 0; attempt < maxProbeRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return VRAMInfo{}, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		info, err := m.probeOnce(ctx)
		if err == nil {
			return info, nil
		}
		lastErr = err
	}

	m.mu.Lock()
	m.cpuMode = true
	m.mu.Unlock()
	m.logger.Info("no gpu query tool responded, falling back to cpu-only mode",
		"error", lastErr)
	return VRAMInfo{}, lastErr
}

func (m *Monitor) probeOnce(ctx context.Context) (VRAMInfo, error) {
	probes := []func(context.Context, runner) (VRAMInfo, error){
		probeNVIDIA,
		probeAMD,
		probeApple,
	}

	var lastErr error
	for _, probe := range probes {
		info, err := probe(ctx, m.run)
		if err == nil {
			return info, nil
		}
		// Absence of a vendor tool is expected; stay silent and try
		// the next vendor.
		lastErr = err
	}
	return VRAMInfo{}, lastErr
}

// observe stores a reading and drives low-memory callbacks with
// once-per-crossing semantics.
func (m *Monitor) observe(info VRAMInfo) {
	m.mu.Lock()
	m.last = info
	m.haveLast = true

	low := info.Total > 0 && info.AvailableRatio() < m.cfg.LowMemoryRatio
	fire := low && !m.lowLatch
	m.lowLatch = low
	callbacks := make([]LowMemoryFunc, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	if !fire {
		return
	}

	m.logger.Warn("low gpu memory",
		"available", info.Available,
		"total", info.Total,
		"ratio", info.AvailableRatio(),
	)
	m.bus.Publish(events.Event{
		Source: events.SourceVRAM,
		Kind:   events.KindLowMemory,
		Data: map[string]any{
			"available_bytes": info.Available,
			"total_bytes":     info.Total,
		},
	})
	for _, fn := range callbacks {
		fn(info)
	}
}
