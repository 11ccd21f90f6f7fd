// Package pool converts available GPU memory and model metadata into a
// token budget for the active context, and owns budget resizing.
package pool

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/Tecet/OLLM-CLI-sub015/internal/config"
	"github.com/Tecet/OLLM-CLI-sub015/internal/events"
	"github.com/Tecet/OLLM-CLI-sub015/internal/gpu"
)

// ModelInfo describes the loaded model for sizing purposes.
type ModelInfo struct {
	Name string
	// ParamsBillions is the parameter count in billions.
	ParamsBillions float64
	// ContextLimit is the model's native context window.
	ContextLimit int
	// KVQuantization is the KV-cache quantization (f16, q8_0, q4_0).
	KVQuantization string
}

// ResizeFunc is notified after the pool budget changes so dependent
// services (compression thresholds, tier policy) can recompute.
type ResizeFunc func(oldSize, newSize int)

// Config controls sizing bounds.
type Config struct {
	// MinSize is the floor for the budget; sizing never returns less.
	MinSize int
	// MaxSize is the ceiling for the budget.
	MaxSize int
	// ReserveBytes is VRAM held back from the calculation (default
	// 512 MiB).
	ReserveBytes uint64
	// BytesPerTokenPerBillion is the heuristic KV-cache cost factor.
	// Tunable configuration, not a physical constant.
	BytesPerTokenPerBillion int
}

func (c *Config) applyDefaults() {
	if c.MinSize <= 0 {
		c.MinSize = 2048
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 131072
	}
	if c.ReserveBytes == 0 {
		c.ReserveBytes = 512 << 20
	}
	if c.BytesPerTokenPerBillion <= 0 {
		c.BytesPerTokenPerBillion = 37500
	}
}

// ContextPool tracks the current token budget.
type ContextPool struct {
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger

	mu        sync.Mutex
	size      int
	observers []ResizeFunc
}

// New creates a pool with an initial budget of cfg.MinSize.
func New(cfg Config, bus *events.Bus, logger *slog.Logger) *ContextPool {
	cfg.applyDefaults()
	return &ContextPool{
		cfg:    cfg,
		bus:    bus,
		logger: logger.With("component", "pool"),
		size:   cfg.MinSize,
	}
}

// Size returns the current token budget.
func (p *ContextPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// OnResize registers a callback fired after every budget change.
func (p *ContextPool) OnResize(fn ResizeFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, fn)
}

// CalculateOptimalSize converts a VRAM reading and model metadata into
// a token budget:
//
//	usable        = available - reserve
//	bytesPerToken = paramsBillions * bytesPerTokenPerBillion * quantBytes
//	optimal       = floor(usable / bytesPerToken)
//
// clamped into [MinSize, min(model.ContextLimit, MaxSize)]. A usable
// value of zero or below returns exactly MinSize, never zero or a
// negative budget. The result is monotonically non-decreasing in
// available VRAM for a fixed model and quantization.
func (p *ContextPool) CalculateOptimalSize(vram gpu.VRAMInfo, model ModelInfo) int {
	quant, ok := config.QuantizationBytes(model.KVQuantization)
	if !ok {
		quant = 2 // f16
	}

	ceiling := p.cfg.MaxSize
	if model.ContextLimit > 0 && model.ContextLimit < ceiling {
		ceiling = model.ContextLimit
	}
	if ceiling < p.cfg.MinSize {
		ceiling = p.cfg.MinSize
	}

	if vram.Available <= p.cfg.ReserveBytes {
		return p.cfg.MinSize
	}
	usable := vram.Available - p.cfg.ReserveBytes

	bytesPerToken := model.ParamsBillions * float64(p.cfg.BytesPerTokenPerBillion) * quant
	if bytesPerToken <= 0 {
		return p.cfg.MinSize
	}

	optimal := int(float64(usable) / bytesPerToken)
	if optimal < p.cfg.MinSize {
		return p.cfg.MinSize
	}
	if optimal > ceiling {
		return ceiling
	}
	return optimal
}

// Resize sets a new token budget and notifies observers. The new size
// must lie within the configured bounds.
func (p *ContextPool) Resize(newSize int) error {
	if newSize < p.cfg.MinSize || newSize > p.cfg.MaxSize {
		return fmt.Errorf("pool: size %d outside [%d, %d]",
			newSize, p.cfg.MinSize, p.cfg.MaxSize)
	}

	p.mu.Lock()
	old := p.size
	if old == newSize {
		p.mu.Unlock()
		return nil
	}
	p.size = newSize
	observers := make([]ResizeFunc, len(p.observers))
	copy(observers, p.observers)
	p.mu.Unlock()

	p.logger.Info("context budget resized", "old", old, "new", newSize)
	p.bus.Publish(events.Event{
		Source: events.SourcePool,
		Kind:   events.KindContextResized,
		Data:   map[string]any{"old_size": old, "new_size": newSize},
	})
	for _, fn := range observers {
		fn(old, newSize)
	}
	return nil
}

// ResizeToVRAM recalculates the optimal size for a reading and applies
// it. Used by the daemon when a fresh VRAM reading arrives.
func (p *ContextPool) ResizeToVRAM(vram gpu.VRAMInfo, model ModelInfo) error {
	return p.Resize(p.CalculateOptimalSize(vram, model))
}

// MinSize exposes the configured floor (used by the guard when forcing
// a downward resize).
func (p *ContextPool) MinSize() int { return p.cfg.MinSize }
