package compress

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Tecet/OLLM-CLI-sub015/internal/conversation"
)

// recentShare is the minimum fraction of the conversation's tokens
// kept uncompressed, regardless of the configured preserve budget.
const recentShare = 0.30

// Config controls compression behavior.
type Config struct {
	// PreserveRecent is the minimum token budget for the preserved
	// recent window. The effective budget is
	// max(PreserveRecent, 0.30 * totalTokens).
	PreserveRecent int
	// SummaryMaxTokens bounds each generated summary.
	SummaryMaxTokens int
	// Timeout bounds each provider call. On timeout the operation
	// degrades to truncation; it never leaves the context half
	// compressed.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PreserveRecent:   2048,
		SummaryMaxTokens: 1000,
		Timeout:          60 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.PreserveRecent <= 0 {
		c.PreserveRecent = d.PreserveRecent
	}
	if c.SummaryMaxTokens <= 0 {
		c.SummaryMaxTokens = d.SummaryMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
}

// TokenCounter is the counting seam. Satisfied by tokens.Counter.
type TokenCounter interface {
	CountMessage(m conversation.Message) int
	CountConversation(msgs []conversation.Message) int
}

// Result is the outcome of one compression operation. It is a complete
// replacement state: the caller applies it atomically or discards it,
// never partially.
type Result struct {
	// SystemPrompt is the preserved first system message (zero value
	// when the input had none).
	SystemPrompt conversation.Message
	// UserMessages are user turns older than the preserved window, in
	// original order, verbatim.
	UserMessages []conversation.Message
	// Checkpoint summarizes the compressed candidate range. Nil when
	// the strategy truncated instead.
	Checkpoint *conversation.Checkpoint
	// Recent is the preserved recent window (non-user messages).
	Recent []conversation.Message

	Strategy Strategy
	// Degraded reports that a summarize/hybrid run fell back to
	// truncation because the provider call failed or timed out.
	Degraded bool
	// Inflated reports that the result is larger than the input. The
	// caller must not apply an inflated result; it falls back to
	// truncation instead.
	Inflated bool

	OriginalTokens int
	CurrentTokens  int
}

// Messages flattens the result in reconstruction order: system prompt,
// all preserved user messages, checkpoint summary, recent window.
func (r *Result) Messages() []conversation.Message {
	out := make([]conversation.Message, 0, 2+len(r.UserMessages)+len(r.Recent))
	if r.SystemPrompt.Content != "" {
		out = append(out, r.SystemPrompt)
	}
	out = append(out, r.UserMessages...)
	if r.Checkpoint != nil {
		out = append(out, r.Checkpoint.Summary)
	}
	out = append(out, r.Recent...)
	return out
}

// Compressor reduces token usage of a message history.
type Compressor struct {
	cfg        Config
	summarizer Summarizer
	counter    TokenCounter
	logger     *slog.Logger
}

// New creates a compressor. summarizer may be nil, in which case
// summarize and hybrid degrade to truncation.
func New(cfg Config, summarizer Summarizer, counter TokenCounter, logger *slog.Logger) *Compressor {
	cfg.applyDefaults()
	return &Compressor{
		cfg:        cfg,
		summarizer: summarizer,
		counter:    counter,
		logger:     logger.With("component", "compress"),
	}
}

// partition splits a history into the preserved pieces and the
// compression candidates. The system prompt (first system message) and
// every user message are never candidates. The recent window is built
// newest to oldest from non-user messages until the token budget is
// exhausted; older non-user messages become candidates.
type partition struct {
	systemPrompt conversation.Message
	users        []conversation.Message
	candidates   []conversation.Message
	recent       []conversation.Message
	// candStart/candEnd are the candidate range bounds as indexes into
	// the original slice, inclusive. Valid only when candidates is
	// non-empty.
	candStart, candEnd int
}

func (c *Compressor) partition(messages []conversation.Message) partition {
	var p partition

	systemIdx := -1
	for i, m := range messages {
		if m.Role == conversation.RoleSystem {
			p.systemPrompt = m
			systemIdx = i
			break
		}
	}

	total := c.counter.CountConversation(messages)
	budget := c.cfg.PreserveRecent
	if share := int(recentShare * float64(total)); share > budget {
		budget = share
	}

	// Walk newest to oldest marking the recent window.
	inRecent := make([]bool, len(messages))
	remaining := budget
	for i := len(messages) - 1; i >= 0 && remaining > 0; i-- {
		if i == systemIdx || messages[i].IsUser() {
			continue
		}
		n := c.counter.CountMessage(messages[i])
		if n > remaining {
			break
		}
		remaining -= n
		inRecent[i] = true
	}

	p.candStart, p.candEnd = -1, -1
	for i, m := range messages {
		switch {
		case i == systemIdx:
		case m.IsUser():
			p.users = append(p.users, m)
		case inRecent[i]:
			p.recent = append(p.recent, m)
		default:
			p.candidates = append(p.candidates, m)
			if p.candStart < 0 {
				p.candStart = i
			}
			p.candEnd = i
		}
	}
	return p
}

// Compress reduces the history with the given strategy. The input is
// never mutated; the returned result is applied or discarded whole.
func (c *Compressor) Compress(ctx context.Context, messages []conversation.Message, strategy Strategy) (*Result, error) {
	original := c.counter.CountConversation(messages)
	p := c.partition(messages)

	res := &Result{
		SystemPrompt:   p.systemPrompt,
		UserMessages:   p.users,
		Recent:         p.recent,
		Strategy:       strategy,
		OriginalTokens: original,
	}

	if len(p.candidates) > 0 {
		switch strategy {
		case StrategyTruncate:
			// Candidates dropped; nothing else to do.
		case StrategySummarize:
			c.summarizeRange(ctx, res, p.candidates, p.candStart, p.candEnd)
		case StrategyHybrid:
			// Truncate the oldest third outright; summarize the rest.
			// Bounds the prompt size on very long histories while still
			// keeping a summary of the recent past.
			cut := len(p.candidates) / 3
			mid := p.candidates[cut:]
			if len(mid) == 0 {
				break
			}
			start := p.candStart
			if cut > 0 {
				start = p.candStart + cut
			}
			c.summarizeRange(ctx, res, mid, start, p.candEnd)
		default:
			return nil, fmt.Errorf("compress: unknown strategy %q", strategy)
		}
	}

	res.CurrentTokens = c.counter.CountConversation(res.Messages())
	if res.CurrentTokens > res.OriginalTokens {
		// Summary overhead exceeded the savings (short histories).
		// The caller must discard this result and truncate instead.
		res.Inflated = true
		c.logger.Warn("compression inflated payload",
			"strategy", strategy,
			"original_tokens", res.OriginalTokens,
			"current_tokens", res.CurrentTokens,
		)
	}

	c.logger.Debug("compression complete",
		"strategy", strategy,
		"candidates", len(p.candidates),
		"original_tokens", res.OriginalTokens,
		"current_tokens", res.CurrentTokens,
		"degraded", res.Degraded,
		"inflated", res.Inflated,
	)
	return res, nil
}

// summarizeRange attaches a checkpoint summarizing msgs to res, or
// degrades to truncation when the provider cannot deliver.
func (c *Compressor) summarizeRange(ctx context.Context, res *Result, msgs []conversation.Message, startIdx, endIdx int) {
	if c.summarizer == nil {
		res.Degraded = true
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	text, err := c.summarizer.Summarize(callCtx, msgs, c.cfg.SummaryMaxTokens)
	if err != nil {
		// Not fatal: the affected range is truncated instead.
		c.logger.Warn("summarization failed, truncating range",
			"messages", len(msgs), "error", err)
		res.Degraded = true
		return
	}

	summary := conversation.NewMessage(conversation.RoleSystem, formatSummary(msgs, text))
	origTokens := c.counter.CountConversation(msgs)
	curTokens := c.counter.CountMessage(summary)
	if curTokens > origTokens {
		// A checkpoint must never cost more than the range it stands in
		// for. The whole-result inflation check cannot catch this when
		// truncation elsewhere pays for the overage, so the range is
		// truncated instead.
		c.logger.Warn("summary exceeds summarized range, truncating range",
			"messages", len(msgs),
			"original_tokens", origTokens,
			"summary_tokens", curTokens,
		)
		res.Degraded = true
		return
	}

	res.Checkpoint = &conversation.Checkpoint{
		ID:             summary.ID,
		Level:          conversation.LevelForRatio(float64(curTokens) / float64(max(origTokens, 1))),
		StartIndex:     startIdx,
		EndIndex:       endIdx,
		Summary:        summary,
		CreatedAt:      summary.Timestamp,
		OriginalTokens: origTokens,
		CurrentTokens:  curTokens,
	}
}

// formatSummary wraps a summary body with the compressed range's
// metadata, mirroring how the summary renders in the assembled context.
func formatSummary(msgs []conversation.Message, summary string) string {
	if len(msgs) == 0 {
		return summary
	}
	return fmt.Sprintf("[Conversation Summary]\nPeriod: %s to %s\nMessages compressed: %d\n\n%s",
		msgs[0].Timestamp.Format("2006-01-02 15:04"),
		msgs[len(msgs)-1].Timestamp.Format("2006-01-02 15:04"),
		len(msgs),
		summary,
	)
}
