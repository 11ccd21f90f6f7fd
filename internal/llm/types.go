package llm

import "time"

// Message represents a chat message on the provider wire.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the unified response from any provider. All fields
// use proper Go types; wire format conversion happens at provider
// boundaries (ollama.go).
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	// Timing (populated when available)
	TotalDuration time.Duration
	LoadDuration  time.Duration
	EvalDuration  time.Duration
}

// StreamCallback receives incremental text tokens during streaming.
type StreamCallback func(token string)
