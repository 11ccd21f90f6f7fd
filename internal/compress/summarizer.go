package compress

import (
	"context"
	"fmt"
	"strings"

	"github.com/Tecet/OLLM-CLI-sub015/internal/conversation"
	"github.com/Tecet/OLLM-CLI-sub015/internal/llm"
	"github.com/Tecet/OLLM-CLI-sub015/internal/prompts"
)

// Summarizer generates summaries from messages. Implementations must
// treat maxTokens as a target, not a hard bound; the inflation guard
// downstream catches results that defeat the purpose.
type Summarizer interface {
	Summarize(ctx context.Context, messages []conversation.Message, maxTokens int) (string, error)
}

// FormatTranscript renders messages as "Role: content" pairs for
// inclusion in a summarization prompt.
func FormatTranscript(messages []conversation.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		role := string(m.Role)
		if len(role) > 0 {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		fmt.Fprintf(&sb, "%s: %s\n\n", role, m.Content)
	}
	return sb.String()
}

// LLMSummarizer asks the provider for summaries. It also serves the
// checkpoint store's merge pass and the manager's rollover, which
// declare their own narrower interfaces.
type LLMSummarizer struct {
	client llm.Client
	model  string
}

// NewLLMSummarizer creates a summarizer backed by a provider client.
func NewLLMSummarizer(client llm.Client, model string) *LLMSummarizer {
	return &LLMSummarizer{client: client, model: model}
}

func (s *LLMSummarizer) call(ctx context.Context, prompt string) (string, error) {
	resp, err := s.client.Chat(ctx, s.model, []llm.Message{
		{Role: "system", Content: prompts.SummarySystemPrompt},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(resp.Message.Content)
	if out == "" {
		return "", fmt.Errorf("provider returned empty summary")
	}
	return out, nil
}

// Summarize generates a summary of the messages using the provider.
func (s *LLMSummarizer) Summarize(ctx context.Context, messages []conversation.Message, maxTokens int) (string, error) {
	return s.call(ctx, prompts.SummaryPrompt(maxTokens, FormatTranscript(messages)))
}

// MergeSummaries re-summarizes several checkpoint summaries (oldest
// first) into one coarser summary.
func (s *LLMSummarizer) MergeSummaries(ctx context.Context, summaries []string, maxTokens int) (string, error) {
	return s.call(ctx, prompts.MergePrompt(maxTokens, strings.Join(summaries, "\n\n---\n\n")))
}

// Rollover produces the minimal carry-over note used when the active
// context is cleared at critical memory pressure.
func (s *LLMSummarizer) Rollover(ctx context.Context, messages []conversation.Message, maxTokens int) (string, error) {
	return s.call(ctx, prompts.RolloverPrompt(maxTokens, FormatTranscript(messages)))
}

// SimpleSummarizer creates basic extractive summaries without a
// provider. Used as the fallback when no provider is configured and in
// tests.
type SimpleSummarizer struct{}

// Summarize creates a simple extractive summary.
func (s *SimpleSummarizer) Summarize(ctx context.Context, messages []conversation.Message, maxTokens int) (string, error) {
	var topics []string
	toolCalls := 0

	for _, m := range messages {
		if m.Role == conversation.RoleUser && len(m.Content) < 100 {
			topics = append(topics, "- "+m.Content)
		}
		if m.Role == conversation.RoleTool {
			toolCalls++
		}
	}

	var sb strings.Builder
	sb.WriteString("Topics discussed:\n")
	if len(topics) > 0 {
		for _, t := range topics[:min(5, len(topics))] {
			sb.WriteString(t + "\n")
		}
	} else {
		sb.WriteString("- General conversation\n")
	}
	if toolCalls > 0 {
		fmt.Fprintf(&sb, "\nActions taken:\n- %d tool calls\n", toolCalls)
	}
	return sb.String(), nil
}

// MergeSummaries concatenates and trims existing summaries.
func (s *SimpleSummarizer) MergeSummaries(ctx context.Context, summaries []string, maxTokens int) (string, error) {
	joined := strings.Join(summaries, "\n")
	// Rough character budget; the merge pass only needs to shrink, not
	// be precise.
	limit := maxTokens * 4
	if len(joined) > limit {
		joined = joined[:limit]
	}
	return joined, nil
}

// Rollover keeps the most recent user requests as the carry-over note.
func (s *SimpleSummarizer) Rollover(ctx context.Context, messages []conversation.Message, maxTokens int) (string, error) {
	var wants []string
	for i := len(messages) - 1; i >= 0 && len(wants) < 3; i-- {
		if messages[i].Role == conversation.RoleUser {
			wants = append([]string{"- " + messages[i].Content}, wants...)
		}
	}
	if len(wants) == 0 {
		return "Conversation reset under memory pressure; no prior user requests recorded.", nil
	}
	return "Recent user requests before reset:\n" + strings.Join(wants, "\n"), nil
}
