package compress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/Tecet/OLLM-CLI-sub015/internal/conversation"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// lenCounter counts one token per byte of content, no overhead. Keeps
// budget math in tests exact.
type lenCounter struct{}

func (lenCounter) CountMessage(m conversation.Message) int { return len(m.Content) }

func (c lenCounter) CountConversation(msgs []conversation.Message) int {
	total := 0
	for _, m := range msgs {
		total += c.CountMessage(m)
	}
	return total
}

// stubSummarizer returns a fixed summary or error.
type stubSummarizer struct {
	text  string
	err   error
	calls int
}

func (s *stubSummarizer) Summarize(ctx context.Context, msgs []conversation.Message, maxTokens int) (string, error) {
	s.calls++
	return s.text, s.err
}

func msg(role conversation.Role, content string) conversation.Message {
	return conversation.NewMessage(role, content)
}

// scenarioHistory builds 50 messages: 10 user turns scattered through
// 40 assistant turns, where the 5 newest assistant messages are large
// enough that the preserve budget covers exactly them.
func scenarioHistory() []conversation.Message {
	var msgs []conversation.Message
	// 10 users (2 tokens each) interleaved with 35 small assistants
	// (10 tokens each).
	for i := 0; i < 35; i++ {
		if i%4 == 0 && i/4 < 10 {
			msgs = append(msgs, msg(conversation.RoleUser, "uu"))
		}
		msgs = append(msgs, msg(conversation.RoleAssistant, strings.Repeat("a", 10)))
	}
	for len(msgs) < 45 {
		msgs = append(msgs, msg(conversation.RoleUser, "uu"))
	}
	// 5 large recent assistants, 100 tokens each.
	for i := 0; i < 5; i++ {
		msgs = append(msgs, msg(conversation.RoleAssistant, strings.Repeat("r", 100)))
	}
	return msgs
}

func TestTruncatePreservesUsersAndRecent(t *testing.T) {
	msgs := scenarioHistory()
	// total = 10*2 + 35*10 + 5*100 = 870; 30% share = 261. A preserve
	// budget of 500 covers exactly the five large recent messages.
	c := New(Config{PreserveRecent: 500, SummaryMaxTokens: 100}, nil, lenCounter{}, testLogger())

	res, err := c.Compress(context.Background(), msgs, StrategyTruncate)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	if len(res.UserMessages) != 10 {
		t.Errorf("preserved %d user messages, want all 10", len(res.UserMessages))
	}
	if len(res.Recent) != 5 {
		t.Errorf("recent window has %d messages, want 5", len(res.Recent))
	}
	for _, m := range res.Recent {
		if m.IsUser() {
			t.Error("user message landed in the recent window instead of the preserved block")
		}
	}
	if res.Checkpoint != nil {
		t.Error("truncation created a checkpoint")
	}
	if res.CurrentTokens >= res.OriginalTokens {
		t.Errorf("no reduction: %d -> %d", res.OriginalTokens, res.CurrentTokens)
	}

	// No candidate content survives.
	for _, m := range res.Messages() {
		if strings.HasPrefix(m.Content, "aaaa") {
			t.Error("compressed candidate content survived truncation")
		}
	}
}

func TestSummarizeCreatesCheckpoint(t *testing.T) {
	msgs := scenarioHistory()
	sum := &stubSummarizer{text: "they discussed context sizing"}
	c := New(Config{PreserveRecent: 500, SummaryMaxTokens: 100}, sum, lenCounter{}, testLogger())

	res, err := c.Compress(context.Background(), msgs, StrategySummarize)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if res.Degraded {
		t.Fatal("summarize degraded with a working summarizer")
	}
	if res.Checkpoint == nil {
		t.Fatal("no checkpoint created")
	}
	cp := res.Checkpoint
	if cp.Summary.Role != conversation.RoleSystem {
		t.Errorf("summary role = %s, want system", cp.Summary.Role)
	}
	if !strings.Contains(cp.Summary.Content, "they discussed context sizing") {
		t.Error("summary text missing from checkpoint message")
	}
	if cp.CurrentTokens > cp.OriginalTokens {
		t.Errorf("checkpoint inflated: %d > %d", cp.CurrentTokens, cp.OriginalTokens)
	}
	if sum.calls != 1 {
		t.Errorf("summarizer called %d times, want 1", sum.calls)
	}
}

func TestSummarizeDegradesOnProviderError(t *testing.T) {
	msgs := scenarioHistory()
	sum := &stubSummarizer{err: errors.New("connection refused")}
	c := New(Config{PreserveRecent: 500, SummaryMaxTokens: 100}, sum, lenCounter{}, testLogger())

	res, err := c.Compress(context.Background(), msgs, StrategySummarize)
	if err != nil {
		t.Fatalf("Compress must not fail on provider error: %v", err)
	}
	if !res.Degraded {
		t.Error("Degraded = false after provider failure")
	}
	if res.Checkpoint != nil {
		t.Error("checkpoint created from a failed provider call")
	}
	// Degraded output equals truncation: users and recent intact.
	if len(res.UserMessages) != 10 || len(res.Recent) != 5 {
		t.Errorf("degraded result kept %d users / %d recent, want 10 / 5",
			len(res.UserMessages), len(res.Recent))
	}
}

func TestNilSummarizerDegrades(t *testing.T) {
	msgs := scenarioHistory()
	c := New(Config{PreserveRecent: 500, SummaryMaxTokens: 100}, nil, lenCounter{}, testLogger())

	res, err := c.Compress(context.Background(), msgs, StrategyHybrid)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if !res.Degraded {
		t.Error("Degraded = false with nil summarizer")
	}
}

func TestHybridTruncatesOldestThird(t *testing.T) {
	var msgs []conversation.Message
	msgs = append(msgs, msg(conversation.RoleSystem, strings.Repeat("s", 5)))
	for i := 0; i < 9; i++ {
		msgs = append(msgs, msg(conversation.RoleAssistant, strings.Repeat("a", 10)))
	}
	msgs = append(msgs, msg(conversation.RoleAssistant, strings.Repeat("r", 40)))
	// total = 5 + 90 + 40 = 135; budget = max(1, 40) covers exactly the
	// final message. Candidates are indexes 1..9.

	sum := &stubSummarizer{text: "middle portion summary"}
	c := New(Config{PreserveRecent: 1, SummaryMaxTokens: 100}, sum, lenCounter{}, testLogger())

	res, err := c.Compress(context.Background(), msgs, StrategyHybrid)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if res.Checkpoint == nil {
		t.Fatal("hybrid produced no checkpoint")
	}
	// Oldest third (3 of 9) truncated outright; the summarized range
	// starts after it.
	if res.Checkpoint.StartIndex != 4 {
		t.Errorf("StartIndex = %d, want 4", res.Checkpoint.StartIndex)
	}
	if res.Checkpoint.EndIndex != 9 {
		t.Errorf("EndIndex = %d, want 9", res.Checkpoint.EndIndex)
	}
	if res.SystemPrompt.Content == "" {
		t.Error("system prompt lost")
	}
}

func TestInflationGuard(t *testing.T) {
	var msgs []conversation.Message
	for i := 0; i < 4; i++ {
		msgs = append(msgs, msg(conversation.RoleAssistant, "abcd"))
	}
	// total = 16; preserve budget covers one message, leaving three
	// 4-token candidates. A 300-token summary can only inflate.
	sum := &stubSummarizer{text: strings.Repeat("x", 300)}
	c := New(Config{PreserveRecent: 1, SummaryMaxTokens: 100}, sum, lenCounter{}, testLogger())

	res, err := c.Compress(context.Background(), msgs, StrategySummarize)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if !res.Inflated {
		t.Errorf("Inflated = false, tokens %d -> %d", res.OriginalTokens, res.CurrentTokens)
	}
}

func TestHybridSummaryCostlierThanRangeTruncates(t *testing.T) {
	// A huge oldest candidate makes the whole result shrink even when
	// the summary costs more than the range it replaces, so the
	// whole-result inflation check alone would let an inflated
	// checkpoint through.
	var msgs []conversation.Message
	msgs = append(msgs, msg(conversation.RoleAssistant, strings.Repeat("a", 10000)))
	msgs = append(msgs, msg(conversation.RoleAssistant, strings.Repeat("b", 10)))
	msgs = append(msgs, msg(conversation.RoleAssistant, strings.Repeat("c", 10)))
	msgs = append(msgs, msg(conversation.RoleAssistant, strings.Repeat("r", 4287)))
	// total = 14307; 30% share = 4292 covers exactly the final message.
	// Candidates are the first three; hybrid truncates the 10000-token
	// oldest and summarizes the two 10-token mids (20 tokens).

	sum := &stubSummarizer{text: strings.Repeat("x", 300)}
	c := New(Config{PreserveRecent: 1, SummaryMaxTokens: 100}, sum, lenCounter{}, testLogger())

	res, err := c.Compress(context.Background(), msgs, StrategyHybrid)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if res.Inflated {
		t.Fatalf("Inflated = true, tokens %d -> %d", res.OriginalTokens, res.CurrentTokens)
	}
	if res.Checkpoint != nil {
		t.Fatalf("checkpoint kept with CurrentTokens %d > OriginalTokens %d",
			res.Checkpoint.CurrentTokens, res.Checkpoint.OriginalTokens)
	}
	if !res.Degraded {
		t.Error("Degraded = false after the summarized range fell back to truncation")
	}
	if res.CurrentTokens >= res.OriginalTokens {
		t.Errorf("no reduction: %d -> %d", res.OriginalTokens, res.CurrentTokens)
	}
}

func TestUnknownStrategy(t *testing.T) {
	msgs := scenarioHistory()
	c := New(Config{PreserveRecent: 500}, nil, lenCounter{}, testLogger())
	if _, err := c.Compress(context.Background(), msgs, Strategy("zip")); err == nil {
		t.Error("unknown strategy accepted")
	}
}

func TestCompressDoesNotMutateInput(t *testing.T) {
	msgs := scenarioHistory()
	before := make([]conversation.Message, len(msgs))
	copy(before, msgs)

	c := New(Config{PreserveRecent: 500}, nil, lenCounter{}, testLogger())
	if _, err := c.Compress(context.Background(), msgs, StrategyTruncate); err != nil {
		t.Fatalf("Compress: %v", err)
	}
	for i := range msgs {
		if msgs[i].ID != before[i].ID || msgs[i].Content != before[i].Content {
			t.Fatalf("input mutated at index %d", i)
		}
	}
}
