package snapshot

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Tecet/OLLM-CLI-sub015/internal/conversation"
	"github.com/Tecet/OLLM-CLI-sub015/internal/events"
)

// Trigger names recorded in snapshot metadata.
const (
	TriggerManual    = "manual"
	TriggerAuto      = "auto-threshold"
	TriggerEmergency = "emergency"
	TriggerRollover  = "rollover"
)

// Config controls snapshot behavior.
type Config struct {
	// MaxCount is the rolling retention limit per session (default 5).
	MaxCount int
	// AutoThreshold is the usage ratio at which an automatic snapshot
	// is taken before destructive compression (default 0.85).
	AutoThreshold float64
	// AutoCreate enables the automatic threshold snapshots.
	AutoCreate bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{MaxCount: 5, AutoThreshold: 0.85, AutoCreate: true}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxCount <= 0 {
		c.MaxCount = d.MaxCount
	}
	if c.AutoThreshold <= 0 {
		c.AutoThreshold = d.AutoThreshold
	}
}

// Manager creates, restores, lists, and retires snapshots over an
// opaque storage backend.
type Manager struct {
	cfg     Config
	storage Storage
	bus     *events.Bus
	logger  *slog.Logger

	// mu serializes create/cleanup so concurrent creates for one
	// session cannot both decide retention from a stale listing.
	mu sync.Mutex
}

// NewManager creates a snapshot manager. bus may be nil.
func NewManager(cfg Config, storage Storage, bus *events.Bus, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:     cfg,
		storage: storage,
		bus:     bus,
		logger:  logger.With("component", "snapshot"),
	}
}

// ShouldAutoCreate reports whether usage has crossed the auto-snapshot
// threshold of the budget.
func (m *Manager) ShouldAutoCreate(usedTokens, budget int) bool {
	if !m.cfg.AutoCreate || budget <= 0 {
		return false
	}
	return float64(usedTokens)/float64(budget) >= m.cfg.AutoThreshold
}

// Create captures the active context as a snapshot, persists it, and
// applies rolling retention. The snapshot is written before any
// destructive operation is allowed to proceed: a save failure is
// surfaced and the caller must not clear state.
func (m *Manager) Create(sessionID string, active conversation.ActiveContext, trigger string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Capture(sessionID, active, trigger)
	blob, err := snap.Encode()
	if err != nil {
		return nil, err
	}
	if err := m.storage.Save(storageKey(sessionID, snap.ID), blob); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}

	m.logger.Info("snapshot created",
		"session", sessionID,
		"snapshot", snap.ID,
		"trigger", trigger,
		"user_messages", len(snap.UserMessages),
		"tokens", snap.TokenCount,
	)
	m.bus.Publish(events.Event{
		Source: events.SourceSnapshot,
		Kind:   events.KindSnapshotCreated,
		Data: map[string]any{
			"session_id":    sessionID,
			"snapshot_id":   snap.ID,
			"trigger":       trigger,
			"user_messages": len(snap.UserMessages),
			"tokens":        snap.TokenCount,
		},
	})

	if err := m.enforceRetention(sessionID); err != nil {
		// Retention failure is not a create failure; the snapshot is
		// safely on disk. Log and move on.
		m.logger.Warn("snapshot retention cleanup failed",
			"session", sessionID, "error", err)
	}
	return &snap, nil
}

// Restore loads a snapshot by id for a session.
func (m *Manager) Restore(sessionID, snapshotID string) (*Snapshot, error) {
	blob, err := m.storage.Load(storageKey(sessionID, snapshotID))
	if err != nil {
		return nil, err
	}
	snap, err := Decode(blob)
	if err != nil {
		return nil, err
	}
	m.logger.Info("snapshot restored",
		"session", sessionID,
		"snapshot", snap.ID,
		"user_messages", len(snap.UserMessages),
	)
	return snap, nil
}

// List returns metadata for all snapshots of a session, newest first.
func (m *Manager) List(sessionID string) ([]Meta, error) {
	snaps, err := m.loadSession(sessionID)
	if err != nil {
		return nil, err
	}
	metas := make([]Meta, 0, len(snaps))
	for _, s := range snaps {
		metas = append(metas, s.Meta())
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].Timestamp.After(metas[j].Timestamp)
	})
	return metas, nil
}

// Delete removes a snapshot by id.
func (m *Manager) Delete(sessionID, snapshotID string) error {
	return m.storage.Delete(storageKey(sessionID, snapshotID))
}

// enforceRetention deletes the oldest snapshots beyond MaxCount. The
// newest MaxCount survive in their original relative order.
func (m *Manager) enforceRetention(sessionID string) error {
	snaps, err := m.loadSession(sessionID)
	if err != nil {
		return err
	}
	if len(snaps) <= m.cfg.MaxCount {
		return nil
	}

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Timestamp.Before(snaps[j].Timestamp)
	})
	excess := snaps[:len(snaps)-m.cfg.MaxCount]
	for _, s := range excess {
		if err := m.storage.Delete(storageKey(sessionID, s.ID)); err != nil {
			return err
		}
		m.logger.Debug("snapshot retired", "session", sessionID, "snapshot", s.ID)
	}
	return nil
}

func (m *Manager) loadSession(sessionID string) ([]*Snapshot, error) {
	ids, err := m.storage.List(sessionPrefix(sessionID))
	if err != nil {
		return nil, err
	}
	snaps := make([]*Snapshot, 0, len(ids))
	for _, id := range ids {
		blob, err := m.storage.Load(id)
		if err != nil {
			return nil, err
		}
		snap, err := Decode(blob)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func sessionPrefix(sessionID string) string {
	return sessionID + "."
}

func storageKey(sessionID, snapshotID string) string {
	return sessionPrefix(sessionID) + snapshotID
}
