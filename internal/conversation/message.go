// Package conversation defines the core data model for managed
// conversations: messages, compression checkpoints, and the assembled
// active context sent to the model. Types here are owned by the context
// manager; other packages operate on them but never redefine token
// accounting (the tokens package is the single source of truth for
// counts).
package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single turn in a conversation. Messages are immutable
// once created; compression replaces blocks of messages with summary
// messages but never edits one in place.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// TokenCount is the cached token count for this message. Zero means
	// not yet counted; consumers go through tokens.Counter rather than
	// reading this directly.
	TokenCount int `json:"token_count,omitempty"`
}

// NewMessage creates a message with a fresh ID and the current time.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// IsUser reports whether the message is a user turn. User messages are
// never dropped, truncated, or summarized anywhere in this system.
func (m Message) IsUser() bool {
	return m.Role == RoleUser
}
