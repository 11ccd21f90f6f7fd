package conversation

import (
	"testing"
)

// lenCounter counts one token per four bytes of content, minimum one.
type lenCounter struct{}

func (lenCounter) CountMessage(m Message) int {
	n := len(m.Content) / 4
	if n < 1 {
		n = 1
	}
	return n
}

func TestRecountTotalsSections(t *testing.T) {
	a := ActiveContext{
		SystemPrompt: NewMessage(RoleSystem, "You are a helpful assistant."),
		UserMessages: []Message{
			NewMessage(RoleUser, "first preserved user question"),
		},
		Checkpoints: []Checkpoint{
			{Summary: NewMessage(RoleSystem, "summary of older history")},
		},
		RecentMessages: []Message{
			NewMessage(RoleAssistant, "a recent assistant answer"),
			NewMessage(RoleUser, "a recent user turn"),
		},
	}

	a.Recount(lenCounter{})

	tc := a.TokenCount
	if tc.Total != tc.System+tc.Checkpoints+tc.Recent {
		t.Errorf("Total %d != System %d + Checkpoints %d + Recent %d",
			tc.Total, tc.System, tc.Checkpoints, tc.Recent)
	}
	if tc.System == 0 || tc.Checkpoints == 0 || tc.Recent == 0 {
		t.Errorf("expected every section counted, got %+v", tc)
	}
}

func TestRecountEmptyContext(t *testing.T) {
	var a ActiveContext
	a.Recount(lenCounter{})
	if a.TokenCount.Total != 0 {
		t.Errorf("empty context Total = %d, want 0", a.TokenCount.Total)
	}
}

func TestMessagesOrder(t *testing.T) {
	sys := NewMessage(RoleSystem, "system prompt")
	u1 := NewMessage(RoleUser, "old user one")
	u2 := NewMessage(RoleUser, "old user two")
	cp1 := Checkpoint{Summary: NewMessage(RoleSystem, "oldest summary")}
	cp2 := Checkpoint{Summary: NewMessage(RoleSystem, "newer summary")}
	r1 := NewMessage(RoleAssistant, "recent answer")

	a := ActiveContext{
		SystemPrompt:   sys,
		UserMessages:   []Message{u1, u2},
		Checkpoints:    []Checkpoint{cp1, cp2},
		RecentMessages: []Message{r1},
	}

	got := a.Messages()
	wantIDs := []string{sys.ID, u1.ID, u2.ID, cp1.Summary.ID, cp2.Summary.ID, r1.ID}
	if len(got) != len(wantIDs) {
		t.Fatalf("Messages() returned %d messages, want %d", len(got), len(wantIDs))
	}
	for i, id := range wantIDs {
		if got[i].ID != id {
			t.Errorf("Messages()[%d].ID = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestAllUserMessages(t *testing.T) {
	a := ActiveContext{
		UserMessages: []Message{NewMessage(RoleUser, "preserved")},
		RecentMessages: []Message{
			NewMessage(RoleAssistant, "answer"),
			NewMessage(RoleUser, "recent question"),
		},
	}
	got := a.AllUserMessages()
	if len(got) != 2 {
		t.Fatalf("AllUserMessages() returned %d, want 2", len(got))
	}
	if got[0].Content != "preserved" || got[1].Content != "recent question" {
		t.Errorf("AllUserMessages() order wrong: %q then %q", got[0].Content, got[1].Content)
	}
}
