// Package guard enforces multi-level memory thresholds over a
// session's token usage, orchestrating compression, pool resizing, and
// emergency rollover so the conversation never hits the hard context
// limit uncontrolled.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Tecet/OLLM-CLI-sub015/internal/compress"
	"github.com/Tecet/OLLM-CLI-sub015/internal/events"
)

// ErrContextFull is returned when a message cannot be admitted even
// after the critical remediation path has run. The caller decides
// whether to reject the message or start a new session; the message is
// never silently dropped.
var ErrContextFull = errors.New("context capacity exceeded")

// Level is the memory pressure severity.
type Level int

const (
	LevelNormal Level = iota
	// LevelSoft triggers a hybrid compression pass (default 0.80).
	LevelSoft
	// LevelHard additionally forces a budget resize down and an
	// aggressive truncate pass (default 0.90).
	LevelHard
	// LevelCritical snapshots, then clears the context to the system
	// prompt plus a rollover summary (default 0.95).
	LevelCritical
)

// String returns the level name for logging and events.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelSoft:
		return "soft"
	case LevelHard:
		return "hard"
	case LevelCritical:
		return "critical"
	}
	return "unknown"
}

// Thresholds are usage ratios of the context budget at which each
// level engages. Must be strictly increasing.
type Thresholds struct {
	Soft     float64
	Hard     float64
	Critical float64
}

// DefaultThresholds returns the standard 0.80/0.90/0.95 ladder.
func DefaultThresholds() Thresholds {
	return Thresholds{Soft: 0.80, Hard: 0.90, Critical: 0.95}
}

// Actions are the remediation hooks the context manager wires in. Each
// returns the session's total token usage after the action. All run
// synchronously on the admission path.
type Actions struct {
	// Compress runs a compression pass with the given strategy.
	Compress func(ctx context.Context, strategy compress.Strategy) (int, error)
	// ResizeDown shrinks the context pool budget and returns the new
	// budget.
	ResizeDown func() (int, error)
	// Rollover snapshots the session and clears it to the system
	// prompt plus a compact carry-over summary.
	Rollover func(ctx context.Context) (int, error)
}

// Guard watches one session's usage against the budget.
type Guard struct {
	sessionID  string
	thresholds Thresholds
	actions    Actions
	bus        *events.Bus
	logger     *slog.Logger

	mu        sync.Mutex
	lastLevel Level
}

// New creates a guard for a session. bus may be nil.
func New(sessionID string, thresholds Thresholds, actions Actions, bus *events.Bus, logger *slog.Logger) *Guard {
	if thresholds.Soft <= 0 || thresholds.Hard <= thresholds.Soft || thresholds.Critical <= thresholds.Hard {
		thresholds = DefaultThresholds()
	}
	return &Guard{
		sessionID:  sessionID,
		thresholds: thresholds,
		actions:    actions,
		bus:        bus,
		logger:     logger.With("component", "guard", "session", sessionID),
	}
}

// LevelFor maps a usage ratio to a severity level.
func (g *Guard) LevelFor(used, budget int) Level {
	if budget <= 0 {
		return LevelNormal
	}
	ratio := float64(used) / float64(budget)
	switch {
	case ratio >= g.thresholds.Critical:
		return LevelCritical
	case ratio >= g.thresholds.Hard:
		return LevelHard
	case ratio >= g.thresholds.Soft:
		return LevelSoft
	default:
		return LevelNormal
	}
}

// CanAllocate reports whether incoming tokens fit the budget on top of
// current usage. When false, the caller must run EnsureCapacity before
// admitting the message.
func (g *Guard) CanAllocate(used, incoming, budget int) bool {
	return used+incoming <= budget
}

// Check evaluates usage after a mutation and runs the remediation for
// the level reached. The memory_warning event fires at most once per
// level crossing: staying at a level does not re-fire, and dropping
// below soft re-arms the ladder.
func (g *Guard) Check(ctx context.Context, used, budget int) (int, error) {
	level := g.LevelFor(used, budget)

	g.mu.Lock()
	crossed := level > g.lastLevel
	g.lastLevel = level
	g.mu.Unlock()

	if level == LevelNormal {
		return used, nil
	}
	if crossed {
		g.warn(level, used, budget)
	}
	return g.remediate(ctx, level, used, budget)
}

// EnsureCapacity makes room for incoming tokens, escalating through
// the levels synchronously. The caller's message is delayed, never
// dropped: either space is reclaimed or ErrContextFull is returned.
func (g *Guard) EnsureCapacity(ctx context.Context, used, incoming, budget int) (int, error) {
	if g.CanAllocate(used, incoming, budget) {
		return used, nil
	}

	for _, level := range []Level{LevelSoft, LevelHard, LevelCritical} {
		g.warn(level, used, budget)
		var err error
		used, err = g.remediate(ctx, level, used, budget)
		if err != nil {
			return used, err
		}
		if g.CanAllocate(used, incoming, budget) {
			return used, nil
		}
	}

	return used, fmt.Errorf("%w: %d tokens used, %d requested, budget %d",
		ErrContextFull, used, incoming, budget)
}

// remediate runs the action ladder up to and including level. Each
// step re-checks usage so a cheaper action that already brought usage
// under budget short-circuits the rest.
func (g *Guard) remediate(ctx context.Context, level Level, used, budget int) (int, error) {
	softTarget := int(g.thresholds.Soft * float64(budget))

	if g.actions.Compress != nil {
		strategy := compress.StrategyHybrid
		if level >= LevelHard {
			strategy = compress.StrategyTruncate
		}
		newUsed, err := g.actions.Compress(ctx, strategy)
		if err != nil {
			g.logger.Warn("compression remediation failed", "error", err)
		} else {
			used = newUsed
		}
	}
	if level < LevelHard || used <= softTarget {
		return used, nil
	}

	if g.actions.ResizeDown != nil {
		newBudget, err := g.actions.ResizeDown()
		if err != nil {
			g.logger.Warn("resize remediation failed", "error", err)
		} else {
			budget = newBudget
		}
	}
	if g.actions.Compress != nil {
		// Second, aggressive pass against the (possibly smaller)
		// budget.
		newUsed, err := g.actions.Compress(ctx, compress.StrategyTruncate)
		if err != nil {
			g.logger.Warn("truncate remediation failed", "error", err)
		} else {
			used = newUsed
		}
	}
	if level < LevelCritical {
		if g.LevelFor(used, budget) >= LevelCritical {
			// Hard remediation was not enough; escalate.
			g.warn(LevelCritical, used, budget)
		} else {
			return used, nil
		}
	}

	if g.actions.Rollover != nil {
		newUsed, err := g.actions.Rollover(ctx)
		if err != nil {
			// The conversation state must not be cleared when the
			// emergency snapshot failed; surface the error.
			return used, fmt.Errorf("critical rollover: %w", err)
		}
		used = newUsed
	}
	return used, nil
}

func (g *Guard) warn(level Level, used, budget int) {
	ratio := 0.0
	if budget > 0 {
		ratio = float64(used) / float64(budget)
	}
	g.logger.Warn("memory pressure",
		"level", level.String(),
		"used", used,
		"budget", budget,
		"ratio", ratio,
	)
	g.bus.Publish(events.Event{
		Source: events.SourceGuard,
		Kind:   events.KindMemoryWarning,
		Data: map[string]any{
			"session_id":  g.sessionID,
			"level":       level.String(),
			"usage_ratio": ratio,
		},
	})
}
