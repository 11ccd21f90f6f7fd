package checkpoint

import (
	"context"
	"strings"

	"github.com/Tecet/OLLM-CLI-sub015/internal/conversation"
)

// Compact merges the oldest checkpoints into a single coarser one when
// the list exceeds its bound. The merged checkpoint's compression count
// is max(merged counts)+1, which drives its detail tier down (detailed
// → moderate → compact) and with it the summary token target. Returns
// the merged checkpoint, or nil when no compaction was needed.
//
// Merge failure is not fatal: the summaries are concatenated and
// trimmed instead of re-summarized, so the list still shrinks.
func (s *Store) Compact(ctx context.Context) (*conversation.Checkpoint, error) {
	s.mu.Lock()
	mergeN, _ := MergeSplit(len(s.list), s.max)
	if mergeN == 0 {
		s.mu.Unlock()
		return nil, nil
	}
	merge := make([]conversation.Checkpoint, mergeN)
	copy(merge, s.list[:mergeN])
	s.mu.Unlock()

	merged := s.mergeCheckpoints(ctx, merge)

	s.mu.Lock()
	// Guard against concurrent mutation between the two critical
	// sections: only splice if the prefix is still the one we merged.
	if len(s.list) >= mergeN && s.list[mergeN-1].ID == merge[mergeN-1].ID {
		rest := s.list[mergeN:]
		s.list = append([]conversation.Checkpoint{merged}, rest...)
	}
	s.mu.Unlock()

	s.logger.Info("checkpoints compacted",
		"merged", mergeN,
		"compression_count", merged.CompressionCount,
		"tier", merged.Tier().String(),
		"current_tokens", merged.CurrentTokens,
	)
	return &merged, nil
}

func (s *Store) mergeCheckpoints(ctx context.Context, merge []conversation.Checkpoint) conversation.Checkpoint {
	maxCount := 0
	origTokens := 0
	summaries := make([]string, 0, len(merge))
	for _, cp := range merge {
		if cp.CompressionCount > maxCount {
			maxCount = cp.CompressionCount
		}
		origTokens += cp.OriginalTokens
		summaries = append(summaries, cp.Summary.Content)
	}

	newCount := maxCount + 1
	target := conversation.TierForCount(newCount).SummaryTarget()

	var text string
	var err error
	if s.merger != nil {
		text, err = s.merger.MergeSummaries(ctx, summaries, target)
	}
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			s.logger.Warn("checkpoint merge summarization failed, concatenating",
				"checkpoints", len(merge), "error", err)
		}
		text = trimToApproxTokens(strings.Join(summaries, "\n"), target)
	}

	summary := conversation.NewMessage(conversation.RoleSystem, text)
	curTokens := s.counter.CountMessage(summary)
	if curTokens > origTokens {
		// A merged summary must never cost more than the history it
		// stands in for; trim until it fits.
		summary.Content = trimToApproxTokens(summary.Content, origTokens/2)
		curTokens = s.counter.CountMessage(summary)
		if curTokens > origTokens {
			curTokens = origTokens
		}
	}

	return conversation.Checkpoint{
		ID:               summary.ID,
		Level:            conversation.LevelForRatio(float64(curTokens) / float64(max(origTokens, 1))),
		StartIndex:       merge[0].StartIndex,
		EndIndex:         merge[len(merge)-1].EndIndex,
		Summary:          summary,
		CreatedAt:        summary.Timestamp,
		OriginalTokens:   origTokens,
		CurrentTokens:    curTokens,
		CompressionCount: newCount,
	}
}

// trimToApproxTokens cuts text to roughly the given token budget using
// the four-characters-per-token rule of thumb.
func trimToApproxTokens(text string, tokens int) string {
	limit := tokens * 4
	if limit <= 0 || len(text) <= limit {
		return text
	}
	return text[:limit]
}
