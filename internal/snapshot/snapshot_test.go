package snapshot

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/Tecet/OLLM-CLI-sub015/internal/conversation"
)

func msgAt(role conversation.Role, content string, at time.Time) conversation.Message {
	m := conversation.NewMessage(role, content)
	m.Timestamp = at
	return m
}

func TestCaptureSplitsUserMessages(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	active := conversation.ActiveContext{
		SystemPrompt: conversation.NewMessage(conversation.RoleSystem, "you are helpful"),
		UserMessages: []conversation.Message{
			msgAt(conversation.RoleUser, "first question", base),
		},
		RecentMessages: []conversation.Message{
			msgAt(conversation.RoleAssistant, "first answer", base.Add(time.Minute)),
			msgAt(conversation.RoleUser, "second question", base.Add(2*time.Minute)),
			msgAt(conversation.RoleTool, "tool output", base.Add(3*time.Minute)),
		},
		Checkpoints: []conversation.Checkpoint{{ID: "cp-1"}},
	}
	active.TokenCount.Total = 42

	snap := Capture("sess-1", active, TriggerManual)

	if snap.ID == "" {
		t.Fatal("Capture did not assign an id")
	}
	if snap.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", snap.SessionID)
	}
	if snap.TokenCount != 42 {
		t.Errorf("TokenCount = %d, want 42", snap.TokenCount)
	}
	if got := len(snap.UserMessages); got != 2 {
		t.Fatalf("UserMessages = %d, want 2", got)
	}
	if snap.UserMessages[0].Content != "first question" || snap.UserMessages[1].Content != "second question" {
		t.Errorf("user messages out of order: %q, %q",
			snap.UserMessages[0].Content, snap.UserMessages[1].Content)
	}
	if got := len(snap.Messages); got != 2 {
		t.Fatalf("Messages = %d, want 2", got)
	}
	for _, m := range snap.Messages {
		if m.IsUser() {
			t.Errorf("user message %q leaked into Messages", m.Content)
		}
	}
	if len(snap.Checkpoints) != 1 || snap.Checkpoints[0].ID != "cp-1" {
		t.Errorf("checkpoints not carried: %+v", snap.Checkpoints)
	}
	if snap.Metadata["trigger"] != TriggerManual {
		t.Errorf("trigger metadata = %q, want %q", snap.Metadata["trigger"], TriggerManual)
	}
}

func TestActiveContextMergesByTimestamp(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := Snapshot{
		SystemPrompt: conversation.NewMessage(conversation.RoleSystem, "prompt"),
		UserMessages: []conversation.Message{
			msgAt(conversation.RoleUser, "u1", base),
			msgAt(conversation.RoleUser, "u2", base.Add(2*time.Minute)),
		},
		Messages: []conversation.Message{
			msgAt(conversation.RoleAssistant, "a1", base.Add(time.Minute)),
			msgAt(conversation.RoleAssistant, "a2", base.Add(3*time.Minute)),
		},
		Checkpoints: []conversation.Checkpoint{{ID: "cp-1"}},
	}

	active := snap.ActiveContext()

	want := []string{"u1", "a1", "u2", "a2"}
	if len(active.RecentMessages) != len(want) {
		t.Fatalf("RecentMessages = %d, want %d", len(active.RecentMessages), len(want))
	}
	for i, w := range want {
		if active.RecentMessages[i].Content != w {
			t.Errorf("RecentMessages[%d] = %q, want %q", i, active.RecentMessages[i].Content, w)
		}
	}
	if active.SystemPrompt.Content != "prompt" {
		t.Errorf("SystemPrompt = %q", active.SystemPrompt.Content)
	}
	if len(active.Checkpoints) != 1 {
		t.Errorf("Checkpoints = %d, want 1", len(active.Checkpoints))
	}

	// The rebuilt slices must be copies, not aliases of the snapshot.
	active.Checkpoints[0].ID = "mutated"
	if snap.Checkpoints[0].ID != "cp-1" {
		t.Error("ActiveContext aliases snapshot checkpoint slice")
	}
}

func TestCaptureActiveContextRoundTrip(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	active := conversation.ActiveContext{
		SystemPrompt: conversation.NewMessage(conversation.RoleSystem, "prompt"),
		RecentMessages: []conversation.Message{
			msgAt(conversation.RoleUser, "q", base),
			msgAt(conversation.RoleAssistant, "a", base.Add(time.Second)),
		},
	}

	snap := Capture("sess", active, TriggerAuto)
	rebuilt := snap.ActiveContext()

	if len(rebuilt.RecentMessages) != 2 {
		t.Fatalf("RecentMessages = %d, want 2", len(rebuilt.RecentMessages))
	}
	if rebuilt.RecentMessages[0].Content != "q" || rebuilt.RecentMessages[1].Content != "a" {
		t.Errorf("round trip reordered messages: %q, %q",
			rebuilt.RecentMessages[0].Content, rebuilt.RecentMessages[1].Content)
	}
}

func TestRecaptureKeepsUserRecord(t *testing.T) {
	// Restoring a snapshot and immediately snapshotting again must not
	// lose or duplicate any preserved user message.
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	active := conversation.ActiveContext{
		SystemPrompt: conversation.NewMessage(conversation.RoleSystem, "prompt"),
		UserMessages: []conversation.Message{
			msgAt(conversation.RoleUser, "oldest request", base),
		},
		RecentMessages: []conversation.Message{
			msgAt(conversation.RoleUser, "q1", base.Add(time.Minute)),
			msgAt(conversation.RoleAssistant, "a1", base.Add(2*time.Minute)),
			msgAt(conversation.RoleUser, "q2", base.Add(3*time.Minute)),
			msgAt(conversation.RoleAssistant, "a2", base.Add(4*time.Minute)),
		},
	}

	first := Capture("sess", active, TriggerManual)
	second := Capture("sess", first.ActiveContext(), TriggerManual)

	if len(second.UserMessages) != len(first.UserMessages) {
		t.Fatalf("UserMessages = %d after re-capture, want %d",
			len(second.UserMessages), len(first.UserMessages))
	}
	for i, m := range first.UserMessages {
		if second.UserMessages[i].ID != m.ID || second.UserMessages[i].Content != m.Content {
			t.Errorf("UserMessages[%d] = %q (%s), want %q (%s)",
				i, second.UserMessages[i].Content, second.UserMessages[i].ID, m.Content, m.ID)
		}
	}
	if len(second.Messages) != len(first.Messages) {
		t.Errorf("Messages = %d after re-capture, want %d", len(second.Messages), len(first.Messages))
	}
}

func TestDecodeMigratesLegacyBlob(t *testing.T) {
	// Legacy snapshots carried a single messages list with user turns
	// mixed in. Decode splits those into the user record.
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	legacy := Snapshot{
		ID:        "legacy-1",
		SessionID: "sess",
		Timestamp: base,
		Messages: []conversation.Message{
			msgAt(conversation.RoleUser, "hello", base),
			msgAt(conversation.RoleAssistant, "hi", base.Add(time.Second)),
			msgAt(conversation.RoleUser, "bye", base.Add(2*time.Second)),
		},
	}
	blob, err := json.Marshal(legacy)
	if err != nil {
		t.Fatal(err)
	}

	snap, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := len(snap.UserMessages); got != 2 {
		t.Fatalf("UserMessages = %d, want 2", got)
	}
	if snap.UserMessages[0].Content != "hello" || snap.UserMessages[1].Content != "bye" {
		t.Errorf("migrated user messages: %q, %q",
			snap.UserMessages[0].Content, snap.UserMessages[1].Content)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Content != "hi" {
		t.Errorf("remaining messages: %+v", snap.Messages)
	}
}

func TestDecodeModernBlobUntouched(t *testing.T) {
	snap := Snapshot{
		ID: "s1",
		UserMessages: []conversation.Message{
			conversation.NewMessage(conversation.RoleUser, "u"),
		},
		Messages: []conversation.Message{
			conversation.NewMessage(conversation.RoleUser, "user text stored as plain message"),
		},
	}
	blob, err := snap.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(blob)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.UserMessages) != 1 || len(got.Messages) != 1 {
		t.Errorf("modern blob was migrated: users=%d messages=%d",
			len(got.UserMessages), len(got.Messages))
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("{not json")); err == nil {
		t.Error("Decode accepted invalid JSON")
	}
}

func TestMetaView(t *testing.T) {
	snap := Snapshot{
		ID:         "s1",
		SessionID:  "sess",
		TokenCount: 100,
		UserMessages: []conversation.Message{
			conversation.NewMessage(conversation.RoleUser, "u"),
		},
		Messages: []conversation.Message{
			conversation.NewMessage(conversation.RoleAssistant, "a"),
			conversation.NewMessage(conversation.RoleAssistant, "b"),
		},
		Metadata: map[string]string{"trigger": TriggerEmergency},
	}
	meta := snap.Meta()
	if meta.ID != "s1" || meta.SessionID != "sess" || meta.TokenCount != 100 {
		t.Errorf("meta identity fields: %+v", meta)
	}
	if meta.UserMessages != 1 || meta.Messages != 2 {
		t.Errorf("meta counts: users=%d messages=%d", meta.UserMessages, meta.Messages)
	}
	if meta.Trigger != TriggerEmergency {
		t.Errorf("meta trigger = %q", meta.Trigger)
	}
}
