// Package llm provides the LLM provider abstraction the core consumes
// for summarization, plus the default Ollama implementation.
package llm

import "context"

// Client is the interface the context core consumes. It is used only
// to request best-effort textual summaries of older messages; the core
// never parses model output beyond treating it as text.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. If callback is
	// non-nil, tokens are streamed to it as they arrive.
	ChatStream(ctx context.Context, model string, messages []Message, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
