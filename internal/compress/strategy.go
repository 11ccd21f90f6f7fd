// Package compress reduces conversation token usage with pluggable
// strategies. Rule zero, enforced here and tested directly: user
// messages are excluded from every compression candidate set and the
// system prompt is always preserved verbatim.
package compress

import "fmt"

// Strategy selects how candidate messages are reduced.
type Strategy string

const (
	// StrategyTruncate drops all candidate messages. No provider call,
	// always succeeds.
	StrategyTruncate Strategy = "truncate"
	// StrategySummarize replaces all candidates with one provider-
	// generated summary checkpoint.
	StrategySummarize Strategy = "summarize"
	// StrategyHybrid truncates the oldest candidates outright and
	// summarizes only the middle range, bounding provider cost on very
	// long histories.
	StrategyHybrid Strategy = "hybrid"
)

// ParseStrategy validates a strategy name from configuration.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyTruncate, StrategySummarize, StrategyHybrid:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown compression strategy %q (valid: truncate, summarize, hybrid)", s)
	}
}
