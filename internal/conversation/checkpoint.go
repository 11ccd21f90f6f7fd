package conversation

import "time"

// DetailTier classifies a checkpoint by how many times it has been
// re-compacted. Older checkpoints are pushed toward coarser tiers, each
// with a smaller summary token target.
type DetailTier int

const (
	// TierDetailed retains the full summary content (counts 0-2).
	TierDetailed DetailTier = iota
	// TierModerate retains key points only (counts 3-5).
	TierModerate
	// TierCompact retains essentials only (counts >= 6).
	TierCompact
)

// String returns the tier name for logging and API responses.
func (t DetailTier) String() string {
	switch t {
	case TierDetailed:
		return "detailed"
	case TierModerate:
		return "moderate"
	case TierCompact:
		return "compact"
	}
	return "unknown"
}

// SummaryTarget returns the approximate token budget for a checkpoint
// summary at this tier.
func (t DetailTier) SummaryTarget() int {
	switch t {
	case TierDetailed:
		return 1000
	case TierModerate:
		return 500
	default:
		return 100
	}
}

// TierForCount maps a checkpoint's compression count to its detail tier.
func TierForCount(compressionCount int) DetailTier {
	switch {
	case compressionCount <= 2:
		return TierDetailed
	case compressionCount <= 5:
		return TierModerate
	default:
		return TierCompact
	}
}

// Checkpoint level constants. Level records how aggressive a single
// compression operation was, judged by the token ratio it achieved.
// This is a property of the operation that created the checkpoint and
// is independent of the age-derived DetailTier; the two numberings
// must not be conflated.
const (
	LevelCompact  = 1 // ratio <= 0.1: heavy reduction
	LevelModerate = 2 // ratio <= 0.3
	LevelDetailed = 3 // ratio > 0.3: light reduction
)

// LevelForRatio maps an achieved compression ratio (current/original)
// to a checkpoint level.
func LevelForRatio(ratio float64) int {
	switch {
	case ratio <= 0.1:
		return LevelCompact
	case ratio <= 0.3:
		return LevelModerate
	default:
		return LevelDetailed
	}
}

// Checkpoint is a compressed replacement for a contiguous block of
// older non-user messages. Created by the compression service, mutated
// only by re-compaction, destroyed only by being merged into another
// checkpoint.
type Checkpoint struct {
	ID    string `json:"id"`
	Level int    `json:"level"`

	// StartIndex and EndIndex record the message-index range this
	// checkpoint replaced, inclusive.
	StartIndex int `json:"start_index"`
	EndIndex   int `json:"end_index"`

	// Summary is the system-role message that stands in for the
	// compressed range.
	Summary Message `json:"summary"`

	CreatedAt      time.Time `json:"created_at"`
	OriginalTokens int       `json:"original_tokens"`
	CurrentTokens  int       `json:"current_tokens"`

	// CompressionCount is the number of times this checkpoint has
	// participated in a re-compaction merge.
	CompressionCount int `json:"compression_count"`
}

// Tier returns the age-derived detail tier for this checkpoint.
func (c Checkpoint) Tier() DetailTier {
	return TierForCount(c.CompressionCount)
}

// Ratio returns currentTokens/originalTokens, or 1 when the original
// count is unknown.
func (c Checkpoint) Ratio() float64 {
	if c.OriginalTokens <= 0 {
		return 1
	}
	return float64(c.CurrentTokens) / float64(c.OriginalTokens)
}
