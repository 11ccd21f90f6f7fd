// Package manager is the top-level orchestrator of the context core.
// It owns per-session conversation state, admits messages through the
// memory guard, applies the tier compression policy, and assembles the
// active context handed to the model.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Tecet/OLLM-CLI-sub015/internal/checkpoint"
	"github.com/Tecet/OLLM-CLI-sub015/internal/compress"
	"github.com/Tecet/OLLM-CLI-sub015/internal/conversation"
	"github.com/Tecet/OLLM-CLI-sub015/internal/events"
	"github.com/Tecet/OLLM-CLI-sub015/internal/guard"
	"github.com/Tecet/OLLM-CLI-sub015/internal/pool"
	"github.com/Tecet/OLLM-CLI-sub015/internal/snapshot"
)

// TokenCounter is the counting seam. Satisfied by tokens.Counter.
type TokenCounter interface {
	CountMessage(m conversation.Message) int
	CountConversation(msgs []conversation.Message) int
}

// RolloverSummarizer produces the compact carry-over summary written
// when a session rolls over. Satisfied by compress.LLMSummarizer and
// compress.SimpleSummarizer.
type RolloverSummarizer interface {
	Rollover(ctx context.Context, messages []conversation.Message, maxTokens int) (string, error)
	MergeSummaries(ctx context.Context, summaries []string, maxTokens int) (string, error)
}

// Config controls the manager's policy behavior.
type Config struct {
	// CompressionEnabled gates the automatic tier compression pass.
	CompressionEnabled bool
	// CompressionThreshold is the usage ratio at which the tier policy
	// compresses.
	CompressionThreshold float64
	// RolloverSummaryTokens bounds the carry-over summary written on
	// rollover.
	RolloverSummaryTokens int
	// Guard holds the memory pressure thresholds.
	Guard guard.Thresholds
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CompressionEnabled:    true,
		CompressionThreshold:  0.7,
		RolloverSummaryTokens: 200,
		Guard:                 guard.DefaultThresholds(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.CompressionThreshold <= 0 || c.CompressionThreshold >= 1 {
		c.CompressionThreshold = d.CompressionThreshold
	}
	if c.RolloverSummaryTokens <= 0 {
		c.RolloverSummaryTokens = d.RolloverSummaryTokens
	}
	if c.Guard.Soft <= 0 {
		c.Guard = d.Guard
	}
}

// session is one conversation's mutable state. All mutation happens
// under mu; different sessions proceed independently.
type session struct {
	id string
	mu sync.Mutex

	active conversation.ActiveContext
	store  *checkpoint.Store
	guard  *guard.Guard

	// autoSnapped latches the auto-snapshot trigger so crossing the
	// threshold produces one snapshot, not one per message.
	autoSnapped bool
}

// Manager orchestrates sessions over a shared context pool.
type Manager struct {
	cfg        Config
	counter    TokenCounter
	pool       *pool.ContextPool
	compressor *compress.Compressor
	snapshots  *snapshot.Manager
	summarizer RolloverSummarizer
	bus        *events.Bus
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	tier     Tier
}

// New creates a manager. snapshots and summarizer may be nil, which
// disables snapshotting and degrades rollover to a generic summary.
func New(cfg Config, counter TokenCounter, p *pool.ContextPool, compressor *compress.Compressor,
	snapshots *snapshot.Manager, summarizer RolloverSummarizer, bus *events.Bus, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:        cfg,
		counter:    counter,
		pool:       p,
		compressor: compressor,
		snapshots:  snapshots,
		summarizer: summarizer,
		bus:        bus,
		logger:     logger.With("component", "manager"),
		sessions:   make(map[string]*session),
		tier:       PolicyFor(p.Size()).Tier,
	}
	p.OnResize(m.handleResize)
	return m
}

// CurrentTier returns the policy tier for the current pool budget.
func (m *Manager) CurrentTier() Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tier
}

// CurrentPolicy returns the full policy for the current pool budget.
func (m *Manager) CurrentPolicy() Policy {
	return PolicyFor(m.pool.Size())
}

// handleResize re-derives the tier after a pool resize and propagates
// the new checkpoint bound to every session.
func (m *Manager) handleResize(oldSize, newSize int) {
	policy := PolicyFor(newSize)

	m.mu.Lock()
	oldTier := m.tier
	m.tier = policy.Tier
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	if policy.MaxCheckpoints > 0 {
		for _, s := range sessions {
			s.store.SetMax(policy.MaxCheckpoints)
		}
	}
	if policy.Tier == oldTier {
		return
	}
	m.logger.Info("tier changed",
		"old_tier", oldTier.String(),
		"new_tier", policy.Tier.String(),
		"budget", newSize,
	)
	m.bus.Publish(events.Event{
		Source: events.SourceManager,
		Kind:   events.KindTierChanged,
		Data: map[string]any{
			"old_tier": oldTier.String(),
			"new_tier": policy.Tier.String(),
			"budget":   newSize,
		},
	})
}

// getSession returns the session, creating it on first use.
func (m *Manager) getSession(id string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s
	}

	policy := PolicyFor(m.pool.Size())
	maxCp := policy.MaxCheckpoints
	if maxCp <= 0 {
		maxCp = 1
	}
	s := &session{
		id:    id,
		store: checkpoint.NewStore(maxCp, m.summarizer, m.counter, m.logger),
	}
	s.guard = guard.New(id, m.cfg.Guard, guard.Actions{
		Compress: func(ctx context.Context, strategy compress.Strategy) (int, error) {
			return m.compressLocked(ctx, s, strategy)
		},
		ResizeDown: func() (int, error) {
			return m.resizeDown()
		},
		Rollover: func(ctx context.Context) (int, error) {
			return m.rolloverLocked(ctx, s, snapshot.TriggerEmergency)
		},
	}, m.bus, m.logger)
	m.sessions[id] = s
	return s
}

// Sessions returns the IDs of all known sessions.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// SetSystemPrompt sets or replaces the session's system prompt.
func (m *Manager) SetSystemPrompt(sessionID, content string) conversation.Message {
	s := m.getSession(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active.SystemPrompt = conversation.NewMessage(conversation.RoleSystem, content)
	m.recountLocked(s)
	return s.active.SystemPrompt
}

// AddMessage admits one message to a session. The guard runs before
// admission: when the message does not fit, remediation reclaims space
// synchronously and the message is appended afterward. The message is
// rejected (never silently dropped) only when even the critical path
// cannot make room, in which case the error wraps guard.ErrContextFull.
func (m *Manager) AddMessage(ctx context.Context, sessionID, role, content string) (conversation.Message, error) {
	s := m.getSession(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := conversation.NewMessage(conversation.Role(role), content)
	msg.TokenCount = m.counter.CountMessage(msg)

	budget := m.pool.Size()
	m.recountLocked(s)
	used := s.active.TokenCount.Total

	if !s.guard.CanAllocate(used, msg.TokenCount, budget) {
		var err error
		used, err = s.guard.EnsureCapacity(ctx, used, msg.TokenCount, budget)
		if err != nil {
			return conversation.Message{}, fmt.Errorf("admit message: %w", err)
		}
	}

	s.active.RecentMessages = append(s.active.RecentMessages, msg)
	m.recountLocked(s)
	used = s.active.TokenCount.Total

	m.bus.Publish(events.Event{
		Source: events.SourceManager,
		Kind:   events.KindMessageAdded,
		Data: map[string]any{
			"session_id":   sessionID,
			"role":         msg.Role,
			"tokens":       msg.TokenCount,
			"total_tokens": used,
		},
	})

	if err := m.maintainLocked(ctx, s, used, budget); err != nil {
		// The message is already admitted; maintenance failures are
		// surfaced in logs, not to the caller.
		m.logger.Warn("post-admission maintenance failed",
			"session", sessionID, "error", err)
	}
	return msg, nil
}

// maintainLocked runs the post-admission housekeeping: auto-snapshot
// before destructive compression, the tier compression policy, then
// the guard's threshold check.
func (m *Manager) maintainLocked(ctx context.Context, s *session, used, budget int) error {
	ratio := 0.0
	if budget > 0 {
		ratio = float64(used) / float64(budget)
	}

	// Snapshot before any destructive compression, once per threshold
	// crossing.
	if m.snapshots != nil && m.snapshots.ShouldAutoCreate(used, budget) {
		if !s.autoSnapped {
			s.active.Checkpoints = s.store.All()
			if _, err := m.snapshots.Create(s.id, s.active, snapshot.TriggerAuto); err != nil {
				m.logger.Warn("auto snapshot failed", "session", s.id, "error", err)
			} else {
				s.autoSnapped = true
			}
		}
	} else {
		s.autoSnapped = false
	}

	if m.cfg.CompressionEnabled && ratio >= m.cfg.CompressionThreshold {
		policy := m.CurrentPolicy()
		var err error
		if policy.Rollover {
			_, err = m.rolloverLocked(ctx, s, snapshot.TriggerRollover)
		} else {
			_, err = m.compressLocked(ctx, s, policy.Strategy)
		}
		if err != nil {
			return err
		}
	}

	m.recountLocked(s)
	_, err := s.guard.Check(ctx, s.active.TokenCount.Total, m.pool.Size())
	return err
}

// compressLocked runs one compression pass over the session's
// uncompressed history (system prompt, preserved users, recent window).
// Existing checkpoints are untouched here; the store compacts them
// separately. Inflated results are discarded and rerun as truncation.
func (m *Manager) compressLocked(ctx context.Context, s *session, strategy compress.Strategy) (int, error) {
	input := flatten(s.active)
	res, err := m.compressor.Compress(ctx, input, strategy)
	if err != nil {
		return s.active.TokenCount.Total, fmt.Errorf("compress session %s: %w", s.id, err)
	}
	if res.Inflated && strategy != compress.StrategyTruncate {
		res, err = m.compressor.Compress(ctx, input, compress.StrategyTruncate)
		if err != nil {
			return s.active.TokenCount.Total, fmt.Errorf("compress session %s: %w", s.id, err)
		}
	}
	if res.Inflated {
		// Even pure truncation gained nothing; keep the context as is.
		return s.active.TokenCount.Total, nil
	}

	s.active.SystemPrompt = res.SystemPrompt
	s.active.UserMessages = res.UserMessages
	s.active.RecentMessages = res.Recent
	if res.Checkpoint != nil {
		s.store.Add(*res.Checkpoint)
		m.bus.Publish(events.Event{
			Source: events.SourceManager,
			Kind:   events.KindAutoSummaryCreated,
			Data: map[string]any{
				"session_id":      s.id,
				"checkpoint_id":   res.Checkpoint.ID,
				"strategy":        string(res.Strategy),
				"original_tokens": res.Checkpoint.OriginalTokens,
				"current_tokens":  res.Checkpoint.CurrentTokens,
			},
		})
		if _, err := s.store.Compact(ctx); err != nil {
			m.logger.Warn("checkpoint compaction failed", "session", s.id, "error", err)
		}
	}
	s.active.Checkpoints = s.store.All()
	m.recountLocked(s)
	return s.active.TokenCount.Total, nil
}

// rolloverLocked snapshots the session and resets it to the system
// prompt plus one compact carry-over summary.
func (m *Manager) rolloverLocked(ctx context.Context, s *session, trigger string) (int, error) {
	s.active.Checkpoints = s.store.All()
	m.recountLocked(s)

	if m.snapshots != nil {
		if _, err := m.snapshots.Create(s.id, s.active, trigger); err != nil {
			// Never clear state that was not saved first.
			return s.active.TokenCount.Total, fmt.Errorf("rollover snapshot session %s: %w", s.id, err)
		}
	}

	text := m.rolloverSummary(ctx, s)
	summary := conversation.NewMessage(conversation.RoleSystem,
		"[Context Rollover]\n"+text)

	s.active = conversation.ActiveContext{
		SystemPrompt:   s.active.SystemPrompt,
		RecentMessages: []conversation.Message{summary},
	}
	s.store.Clear()
	s.autoSnapped = false
	m.recountLocked(s)

	m.logger.Info("session rolled over",
		"session", s.id,
		"trigger", trigger,
		"tokens", s.active.TokenCount.Total,
	)
	return s.active.TokenCount.Total, nil
}

// rolloverSummary builds the carry-over text, degrading to a generic
// note when no summarizer is wired or the provider fails.
func (m *Manager) rolloverSummary(ctx context.Context, s *session) string {
	if m.summarizer == nil {
		return fmt.Sprintf("Previous conversation (%d messages) archived to snapshot.",
			len(s.active.Messages()))
	}
	text, err := m.summarizer.Rollover(ctx, s.active.Messages(), m.cfg.RolloverSummaryTokens)
	if err != nil || text == "" {
		m.logger.Warn("rollover summary failed", "session", s.id, "error", err)
		return fmt.Sprintf("Previous conversation (%d messages) archived to snapshot.",
			len(s.active.Messages()))
	}
	return text
}

// Rollover manually rolls a session over.
func (m *Manager) Rollover(ctx context.Context, sessionID string) error {
	s := m.getSession(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := m.rolloverLocked(ctx, s, snapshot.TriggerRollover)
	return err
}

// Assemble returns the session's active context with exact token
// accounting, ready to send to the model. The returned value is a copy;
// mutating it does not affect the session.
func (m *Manager) Assemble(sessionID string) conversation.ActiveContext {
	s := m.getSession(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active.Checkpoints = s.store.All()
	m.recountLocked(s)
	return cloneContext(s.active)
}

// Snapshot creates a manual snapshot of the session.
func (m *Manager) Snapshot(sessionID string) (*snapshot.Snapshot, error) {
	if m.snapshots == nil {
		return nil, fmt.Errorf("snapshot session %s: snapshots disabled", sessionID)
	}
	s := m.getSession(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active.Checkpoints = s.store.All()
	m.recountLocked(s)
	return m.snapshots.Create(s.id, s.active, snapshot.TriggerManual)
}

// RestoreSnapshot replaces the session's live state with a snapshot's.
func (m *Manager) RestoreSnapshot(sessionID, snapshotID string) error {
	if m.snapshots == nil {
		return fmt.Errorf("restore session %s: snapshots disabled", sessionID)
	}
	snap, err := m.snapshots.Restore(sessionID, snapshotID)
	if err != nil {
		return err
	}

	s := m.getSession(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = snap.ActiveContext()
	s.store.Replace(snap.Checkpoints)
	s.autoSnapped = false
	m.recountLocked(s)
	return nil
}

// ListSnapshots returns snapshot metadata for a session, newest first.
func (m *Manager) ListSnapshots(sessionID string) ([]snapshot.Meta, error) {
	if m.snapshots == nil {
		return nil, nil
	}
	return m.snapshots.List(sessionID)
}

// DeleteSnapshot removes a snapshot.
func (m *Manager) DeleteSnapshot(sessionID, snapshotID string) error {
	if m.snapshots == nil {
		return fmt.Errorf("delete snapshot: snapshots disabled")
	}
	return m.snapshots.Delete(sessionID, snapshotID)
}

// resizeDown shrinks the pool budget one step as hard-level
// remediation.
func (m *Manager) resizeDown() (int, error) {
	cur := m.pool.Size()
	target := cur * 3 / 4
	if target < m.pool.MinSize() {
		target = m.pool.MinSize()
	}
	if target == cur {
		return cur, nil
	}
	if err := m.pool.Resize(target); err != nil {
		return cur, fmt.Errorf("resize down: %w", err)
	}
	return target, nil
}

func (m *Manager) recountLocked(s *session) {
	s.active.Recount(m.counter)
}

// flatten returns the uncompressed portion of a context in order:
// system prompt, preserved users, recent window. Checkpoint summaries
// are excluded; they are managed by the checkpoint store.
func flatten(a conversation.ActiveContext) []conversation.Message {
	out := make([]conversation.Message, 0, 1+len(a.UserMessages)+len(a.RecentMessages))
	if a.SystemPrompt.Content != "" {
		out = append(out, a.SystemPrompt)
	}
	out = append(out, a.UserMessages...)
	out = append(out, a.RecentMessages...)
	return out
}

func cloneContext(a conversation.ActiveContext) conversation.ActiveContext {
	c := a
	c.UserMessages = append([]conversation.Message(nil), a.UserMessages...)
	c.Checkpoints = append([]conversation.Checkpoint(nil), a.Checkpoints...)
	c.RecentMessages = append([]conversation.Message(nil), a.RecentMessages...)
	return c
}
