// Package snapshot creates, restores, and retires point-in-time copies
// of conversation state, independent of the live checkpoint structure.
// Snapshots are the recovery/rollback mechanism: whatever compression
// does to the active context, a snapshot can bring the conversation
// back.
package snapshot

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Tecet/OLLM-CLI-sub015/internal/conversation"
)

func newID() string { return uuid.NewString() }

// Snapshot is a full point-in-time copy of conversation state. Never
// mutated after creation; deleted only by rolling cleanup or explicit
// delete.
type Snapshot struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	// TokenCount is the active context's total at snapshot time.
	TokenCount int `json:"token_count"`

	// UserMessages is the authoritative, never-compressed record of
	// everything the human said, in order.
	UserMessages []conversation.Message `json:"user_messages"`
	// Messages holds everything else (assistant/system/tool) at
	// snapshot time, excluding the system prompt and checkpoint
	// summaries which are carried structurally below.
	Messages []conversation.Message `json:"messages"`

	// SystemPrompt and Checkpoints carry the structural context state
	// so a restore rebuilds the active context exactly.
	SystemPrompt conversation.Message      `json:"system_prompt"`
	Checkpoints  []conversation.Checkpoint `json:"checkpoints,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Meta is the listing view of a snapshot, cheap enough to return for
// every snapshot of a session.
type Meta struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Timestamp    time.Time `json:"timestamp"`
	TokenCount   int       `json:"token_count"`
	UserMessages int       `json:"user_messages"`
	Messages     int       `json:"messages"`
	Trigger      string    `json:"trigger,omitempty"`
}

// Capture builds a snapshot from an active context. User messages are
// pulled out of the recent window into the authoritative user record;
// the remaining non-user recent messages land in Messages.
func Capture(sessionID string, active conversation.ActiveContext, trigger string) Snapshot {
	snap := Snapshot{
		ID:           newID(),
		SessionID:    sessionID,
		Timestamp:    time.Now().UTC(),
		TokenCount:   active.TokenCount.Total,
		SystemPrompt: active.SystemPrompt,
		Metadata:     map[string]string{"trigger": trigger},
	}

	snap.UserMessages = append(snap.UserMessages, active.UserMessages...)
	for _, m := range active.RecentMessages {
		if m.IsUser() {
			snap.UserMessages = append(snap.UserMessages, m)
		} else {
			snap.Messages = append(snap.Messages, m)
		}
	}
	snap.Checkpoints = append(snap.Checkpoints, active.Checkpoints...)
	return snap
}

// ActiveContext rebuilds the live context this snapshot captured. The
// recent window is reassembled by merging user and non-user messages
// back into timestamp order; token counts are left for the caller to
// recount (the counter is the single source of truth).
func (s *Snapshot) ActiveContext() conversation.ActiveContext {
	merged := make([]conversation.Message, 0, len(s.UserMessages)+len(s.Messages))
	merged = append(merged, s.UserMessages...)
	merged = append(merged, s.Messages...)
	sortByTimestamp(merged)

	return conversation.ActiveContext{
		SystemPrompt:   s.SystemPrompt,
		Checkpoints:    append([]conversation.Checkpoint(nil), s.Checkpoints...),
		RecentMessages: merged,
	}
}

// Decode parses a snapshot blob, migrating legacy shapes. Older blobs
// predate the userMessages split; those are migrated by filtering
// role==user out of messages.
func Decode(blob []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	if len(snap.UserMessages) == 0 && len(snap.Messages) > 0 {
		var rest []conversation.Message
		for _, m := range snap.Messages {
			if m.IsUser() {
				snap.UserMessages = append(snap.UserMessages, m)
			} else {
				rest = append(rest, m)
			}
		}
		if len(snap.UserMessages) > 0 {
			snap.Messages = rest
		}
	}
	return &snap, nil
}

// Encode serializes the snapshot for storage.
func (s *Snapshot) Encode() ([]byte, error) {
	blob, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return blob, nil
}

// Meta returns the listing view.
func (s *Snapshot) Meta() Meta {
	return Meta{
		ID:           s.ID,
		SessionID:    s.SessionID,
		Timestamp:    s.Timestamp,
		TokenCount:   s.TokenCount,
		UserMessages: len(s.UserMessages),
		Messages:     len(s.Messages),
		Trigger:      s.Metadata["trigger"],
	}
}

func sortByTimestamp(msgs []conversation.Message) {
	// Insertion sort keeps equal-timestamp messages in their appended
	// order, which matters for same-instant test fixtures.
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j].Timestamp.Before(msgs[j-1].Timestamp); j-- {
			msgs[j], msgs[j-1] = msgs[j-1], msgs[j]
		}
	}
}
