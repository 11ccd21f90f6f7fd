// Package prompts holds the fixed prompt templates used when asking
// the provider for summaries. Centralized so the wording is tested and
// versioned in one place rather than scattered through components.
package prompts

import "fmt"

// summaryTemplate is the prompt sent to the provider when compressing
// older conversation history into a checkpoint summary. The first verb
// is the token budget, the second the conversation text.
const summaryTemplate = `Summarize this conversation segment concisely. Focus on:
1. Key topics discussed
2. Decisions made or preferences expressed
3. Actions taken (tool calls, state changes)
4. Any open items or things to remember

Keep the summary under %d tokens. Use bullet points.

Conversation:
%s

Summary:`

// mergeTemplate is used when several existing checkpoint summaries are
// merged into one coarser summary during hierarchical compaction.
const mergeTemplate = `The following are summaries of consecutive older segments of one
conversation, oldest first. Merge them into a single summary, keeping
only what still matters: durable facts, decisions, and unresolved
threads. Drop play-by-play detail.

Keep the merged summary under %d tokens.

Summaries:
%s

Merged summary:`

// rolloverTemplate is used at critical memory pressure when the active
// context is cleared down to the system prompt plus one compact
// carry-over summary.
const rolloverTemplate = `The conversation context is being reset under memory pressure.
Produce a minimal carry-over note (under %d tokens) with only the
essentials a fresh session needs: who the user is, what they are
working on, and any commitments made.

Conversation:
%s

Carry-over note:`

// SummaryPrompt returns the interpolated compression prompt. The
// caller passes formatted conversation text (role: content pairs).
func SummaryPrompt(maxTokens int, conversationText string) string {
	return fmt.Sprintf(summaryTemplate, maxTokens, conversationText)
}

// MergePrompt returns the interpolated checkpoint-merge prompt.
func MergePrompt(maxTokens int, summaries string) string {
	return fmt.Sprintf(mergeTemplate, maxTokens, summaries)
}

// RolloverPrompt returns the interpolated rollover prompt.
func RolloverPrompt(maxTokens int, conversationText string) string {
	return fmt.Sprintf(rolloverTemplate, maxTokens, conversationText)
}

// SummarySystemPrompt is the fixed system message accompanying every
// summarization request.
const SummarySystemPrompt = "You are a conversation summarizer. Reply with the summary text only, no preamble."
