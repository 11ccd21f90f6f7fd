// Package checkpoint maintains the ordered list of compression
// checkpoints for a session and performs hierarchical re-compaction as
// checkpoints age: the list stays bounded while old history is pushed
// toward ever-coarser summaries, log-structured-compaction style.
package checkpoint

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Tecet/OLLM-CLI-sub015/internal/conversation"
)

// Merger re-summarizes several checkpoint summaries into one coarser
// summary. Satisfied by compress.LLMSummarizer and
// compress.SimpleSummarizer.
type Merger interface {
	MergeSummaries(ctx context.Context, summaries []string, maxTokens int) (string, error)
}

// TokenCounter counts message tokens. Satisfied by tokens.Counter.
type TokenCounter interface {
	CountMessage(m conversation.Message) int
}

// Store holds a session's checkpoints, oldest first.
type Store struct {
	merger  Merger
	counter TokenCounter
	logger  *slog.Logger

	mu   sync.Mutex
	list []conversation.Checkpoint
	max  int
}

// NewStore creates a store bounded at maxCheckpoints.
func NewStore(maxCheckpoints int, merger Merger, counter TokenCounter, logger *slog.Logger) *Store {
	if maxCheckpoints <= 0 {
		maxCheckpoints = 5
	}
	return &Store{
		merger:  merger,
		counter: counter,
		logger:  logger.With("component", "checkpoint"),
		max:     maxCheckpoints,
	}
}

// SetMax changes the checkpoint bound. The tier policy adjusts this as
// the context budget moves between tiers. Takes effect on the next
// Compact call.
func (s *Store) SetMax(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.max = n
	s.mu.Unlock()
}

// Max returns the current checkpoint bound.
func (s *Store) Max() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max
}

// Add appends a checkpoint. Checkpoints arrive in creation order, so
// the list stays sorted oldest first.
func (s *Store) Add(cp conversation.Checkpoint) {
	s.mu.Lock()
	s.list = append(s.list, cp)
	s.mu.Unlock()
}

// Len returns the number of checkpoints.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

// All returns a copy of the checkpoint list, oldest first.
func (s *Store) All() []conversation.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]conversation.Checkpoint, len(s.list))
	copy(out, s.list)
	return out
}

// Replace swaps the entire list, used when restoring a snapshot.
func (s *Store) Replace(list []conversation.Checkpoint) {
	s.mu.Lock()
	s.list = make([]conversation.Checkpoint, len(list))
	copy(s.list, list)
	s.mu.Unlock()
}

// Clear drops all checkpoints (rollover path).
func (s *Store) Clear() {
	s.mu.Lock()
	s.list = nil
	s.mu.Unlock()
}

// FindByID returns the checkpoint with the given ID.
func (s *Store) FindByID(id string) (conversation.Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cp := range s.list {
		if cp.ID == id {
			return cp, true
		}
	}
	return conversation.Checkpoint{}, false
}

// FindByAgeRange returns checkpoints created within [oldest, newest],
// oldest first.
func (s *Store) FindByAgeRange(oldest, newest time.Time) []conversation.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []conversation.Checkpoint
	for _, cp := range s.list {
		if !cp.CreatedAt.Before(oldest) && !cp.CreatedAt.After(newest) {
			out = append(out, cp)
		}
	}
	return out
}

// SortedByAge returns a copy sorted by creation time; ascending means
// oldest first.
func (s *Store) SortedByAge(ascending bool) []conversation.Checkpoint {
	out := s.All()
	sort.SliceStable(out, func(i, j int) bool {
		if ascending {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// FilterByTier returns checkpoints whose age-derived detail tier
// matches, oldest first.
func (s *Store) FilterByTier(tier conversation.DetailTier) []conversation.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []conversation.Checkpoint
	for _, cp := range s.list {
		if cp.Tier() == tier {
			out = append(out, cp)
		}
	}
	return out
}

// TotalCurrentTokens sums the live token cost of all checkpoints.
func (s *Store) TotalCurrentTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, cp := range s.list {
		total += cp.CurrentTokens
	}
	return total
}

// TotalOriginalTokens sums the pre-compression token cost of all
// checkpoints.
func (s *Store) TotalOriginalTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, cp := range s.list {
		total += cp.OriginalTokens
	}
	return total
}

// MergeSplit computes the deterministic oldest-first merge/keep split
// for a list of count checkpoints bounded at max: when count exceeds
// max, the oldest count-max+1 are merged so the result is exactly max
// checkpoints. Returns (0, count) when no merge is needed.
func MergeSplit(count, max int) (merge, keep int) {
	if count <= max {
		return 0, count
	}
	merge = count - max + 1
	return merge, count - merge
}
