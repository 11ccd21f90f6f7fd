package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/Tecet/OLLM-CLI-sub015/internal/conversation"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type lenCounter struct{}

func (lenCounter) CountMessage(m conversation.Message) int { return len(m.Content) }

// stubMerger joins summaries or fails.
type stubMerger struct {
	text  string
	err   error
	calls int
}

func (m *stubMerger) MergeSummaries(ctx context.Context, summaries []string, maxTokens int) (string, error) {
	m.calls++
	return m.text, m.err
}

func makeCheckpoint(i, compressionCount int, created time.Time) conversation.Checkpoint {
	summary := conversation.NewMessage(conversation.RoleSystem,
		fmt.Sprintf("summary %d", i))
	return conversation.Checkpoint{
		ID:               fmt.Sprintf("cp-%d", i),
		Level:            conversation.LevelModerate,
		StartIndex:       i * 10,
		EndIndex:         i*10 + 9,
		Summary:          summary,
		CreatedAt:        created,
		OriginalTokens:   1000,
		CurrentTokens:    200,
		CompressionCount: compressionCount,
	}
}

func TestMergeSplit(t *testing.T) {
	tests := []struct {
		count, max          int
		wantMerge, wantKeep int
	}{
		{3, 5, 0, 3},
		{5, 5, 0, 5},
		{6, 5, 2, 4},
		{8, 5, 4, 4},
		{10, 3, 8, 2},
		{0, 5, 0, 0},
	}
	for _, tt := range tests {
		merge, keep := MergeSplit(tt.count, tt.max)
		if merge != tt.wantMerge || keep != tt.wantKeep {
			t.Errorf("MergeSplit(%d, %d) = (%d, %d), want (%d, %d)",
				tt.count, tt.max, merge, keep, tt.wantMerge, tt.wantKeep)
		}
		if merge > 0 && 1+keep != tt.max {
			t.Errorf("MergeSplit(%d, %d): merged result has %d checkpoints, want max %d",
				tt.count, tt.max, 1+keep, tt.max)
		}
	}
}

func TestCompactMergesOldest(t *testing.T) {
	merger := &stubMerger{text: "coarse merged summary"}
	s := NewStore(3, merger, lenCounter{}, testLogger())

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		s.Add(makeCheckpoint(i, i, base.Add(time.Duration(i)*time.Minute)))
	}

	merged, err := s.Compact(context.Background())
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if merged == nil {
		t.Fatal("Compact returned nil, want a merged checkpoint")
	}

	// 5 over a bound of 3: the oldest 3 merge into one, leaving 3 total.
	if got := s.Len(); got != 3 {
		t.Errorf("Len() after compact = %d, want 3", got)
	}

	// compressionCount = max(merged counts) + 1 = max(0,1,2)+1 = 3.
	if merged.CompressionCount != 3 {
		t.Errorf("CompressionCount = %d, want 3", merged.CompressionCount)
	}
	if merged.Tier() != conversation.TierModerate {
		t.Errorf("merged tier = %s, want moderate", merged.Tier())
	}
	if merged.StartIndex != 0 || merged.EndIndex != 29 {
		t.Errorf("merged range = [%d, %d], want [0, 29]", merged.StartIndex, merged.EndIndex)
	}
	if merged.OriginalTokens != 3000 {
		t.Errorf("OriginalTokens = %d, want 3000", merged.OriginalTokens)
	}
	if merged.CurrentTokens > merged.OriginalTokens {
		t.Errorf("merged checkpoint inflated: %d > %d", merged.CurrentTokens, merged.OriginalTokens)
	}

	// The merged checkpoint sits first; the kept ones follow in order.
	all := s.All()
	if all[0].ID != merged.ID {
		t.Errorf("first checkpoint = %s, want merged %s", all[0].ID, merged.ID)
	}
	if all[1].ID != "cp-3" || all[2].ID != "cp-4" {
		t.Errorf("kept checkpoints = %s, %s, want cp-3, cp-4", all[1].ID, all[2].ID)
	}
	if merger.calls != 1 {
		t.Errorf("merger called %d times, want 1", merger.calls)
	}
}

func TestCompactNoOpUnderBound(t *testing.T) {
	s := NewStore(5, &stubMerger{text: "x"}, lenCounter{}, testLogger())
	for i := 0; i < 4; i++ {
		s.Add(makeCheckpoint(i, 0, time.Now()))
	}
	merged, err := s.Compact(context.Background())
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if merged != nil {
		t.Error("Compact merged below the bound")
	}
	if got := s.Len(); got != 4 {
		t.Errorf("Len() = %d, want 4", got)
	}
}

func TestCompactFallsBackOnMergerError(t *testing.T) {
	merger := &stubMerger{err: errors.New("provider down")}
	s := NewStore(2, merger, lenCounter{}, testLogger())
	for i := 0; i < 4; i++ {
		s.Add(makeCheckpoint(i, 0, time.Now()))
	}

	merged, err := s.Compact(context.Background())
	if err != nil {
		t.Fatalf("Compact must not fail when the merger does: %v", err)
	}
	if merged == nil {
		t.Fatal("no merged checkpoint despite fallback")
	}
	// Fallback concatenates the source summaries.
	if !strings.Contains(merged.Summary.Content, "summary 0") {
		t.Error("fallback summary missing source content")
	}
	if got := s.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}

func TestFindByAgeRange(t *testing.T) {
	s := NewStore(10, nil, lenCounter{}, testLogger())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.Add(makeCheckpoint(i, 0, base.Add(time.Duration(i)*time.Hour)))
	}

	got := s.FindByAgeRange(base.Add(1*time.Hour), base.Add(3*time.Hour))
	if len(got) != 3 {
		t.Fatalf("FindByAgeRange returned %d, want 3 (bounds inclusive)", len(got))
	}
	if got[0].ID != "cp-1" || got[2].ID != "cp-3" {
		t.Errorf("range = %s..%s, want cp-1..cp-3", got[0].ID, got[2].ID)
	}
}

func TestSortedByAge(t *testing.T) {
	s := NewStore(10, nil, lenCounter{}, testLogger())
	base := time.Now().UTC()
	// Insert out of chronological order.
	s.Add(makeCheckpoint(1, 0, base.Add(time.Hour)))
	s.Add(makeCheckpoint(0, 0, base))
	s.Add(makeCheckpoint(2, 0, base.Add(2*time.Hour)))

	asc := s.SortedByAge(true)
	if asc[0].ID != "cp-0" || asc[2].ID != "cp-2" {
		t.Errorf("ascending = %s..%s, want cp-0..cp-2", asc[0].ID, asc[2].ID)
	}
	desc := s.SortedByAge(false)
	if desc[0].ID != "cp-2" || desc[2].ID != "cp-0" {
		t.Errorf("descending = %s..%s, want cp-2..cp-0", desc[0].ID, desc[2].ID)
	}
}

func TestFilterByTier(t *testing.T) {
	s := NewStore(10, nil, lenCounter{}, testLogger())
	counts := []int{0, 1, 4, 7}
	for i, n := range counts {
		s.Add(makeCheckpoint(i, n, time.Now()))
	}

	if got := len(s.FilterByTier(conversation.TierDetailed)); got != 2 {
		t.Errorf("detailed count = %d, want 2", got)
	}
	if got := len(s.FilterByTier(conversation.TierModerate)); got != 1 {
		t.Errorf("moderate count = %d, want 1", got)
	}
	if got := len(s.FilterByTier(conversation.TierCompact)); got != 1 {
		t.Errorf("compact count = %d, want 1", got)
	}
}

func TestTokenTotals(t *testing.T) {
	s := NewStore(10, nil, lenCounter{}, testLogger())
	for i := 0; i < 3; i++ {
		s.Add(makeCheckpoint(i, 0, time.Now()))
	}
	if got := s.TotalOriginalTokens(); got != 3000 {
		t.Errorf("TotalOriginalTokens = %d, want 3000", got)
	}
	if got := s.TotalCurrentTokens(); got != 600 {
		t.Errorf("TotalCurrentTokens = %d, want 600", got)
	}
}

func TestFindByID(t *testing.T) {
	s := NewStore(10, nil, lenCounter{}, testLogger())
	s.Add(makeCheckpoint(0, 0, time.Now()))

	if _, ok := s.FindByID("cp-0"); !ok {
		t.Error("FindByID missed an existing checkpoint")
	}
	if _, ok := s.FindByID("cp-404"); ok {
		t.Error("FindByID found a checkpoint that does not exist")
	}
}
