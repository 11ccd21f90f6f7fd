package conversation

// TokenCount breaks down the token usage of an active context by
// section. Total must always equal the sum of the other three fields;
// Recount enforces this and callers treat a hand-built TokenCount that
// violates it as a bug.
type TokenCount struct {
	System      int `json:"system"`
	Checkpoints int `json:"checkpoints"`
	Recent      int `json:"recent"`
	Total       int `json:"total"`
}

// ActiveContext is the live, in-memory representation of a conversation
// as it will be sent to the model: the system prompt, every user
// message older than the recent window (preserved verbatim, never
// compressed), compression checkpoints standing in for older non-user
// history, and the recent uncompressed messages.
type ActiveContext struct {
	SystemPrompt Message `json:"system_prompt"`

	// UserMessages holds user turns that have aged out of the recent
	// window. Compression moves them here instead of ever touching
	// them.
	UserMessages []Message `json:"user_messages,omitempty"`

	Checkpoints    []Checkpoint `json:"checkpoints"`
	RecentMessages []Message    `json:"recent_messages"`
	TokenCount     TokenCount   `json:"token_count"`
}

// MessageCounter counts tokens for a single message. Satisfied by
// tokens.Counter; declared here so conversation does not import the
// counting implementation.
type MessageCounter interface {
	CountMessage(m Message) int
}

// Recount recomputes the per-section and total token counts using the
// given counter. It is the only way TokenCount is populated. Preserved
// user messages are accounted in the Recent bucket.
func (a *ActiveContext) Recount(counter MessageCounter) {
	var tc TokenCount
	if a.SystemPrompt.Content != "" {
		tc.System = counter.CountMessage(a.SystemPrompt)
	}
	for _, cp := range a.Checkpoints {
		tc.Checkpoints += counter.CountMessage(cp.Summary)
	}
	for _, m := range a.UserMessages {
		tc.Recent += counter.CountMessage(m)
	}
	for _, m := range a.RecentMessages {
		tc.Recent += counter.CountMessage(m)
	}
	tc.Total = tc.System + tc.Checkpoints + tc.Recent
	a.TokenCount = tc
}

// Messages flattens the context into the ordered message list sent to
// the model: system prompt, preserved user messages, checkpoint
// summaries oldest to newest, then recent messages.
func (a *ActiveContext) Messages() []Message {
	out := make([]Message, 0,
		1+len(a.UserMessages)+len(a.Checkpoints)+len(a.RecentMessages))
	if a.SystemPrompt.Content != "" {
		out = append(out, a.SystemPrompt)
	}
	out = append(out, a.UserMessages...)
	for _, cp := range a.Checkpoints {
		out = append(out, cp.Summary)
	}
	out = append(out, a.RecentMessages...)
	return out
}

// AllUserMessages returns every user-role message in the context, in
// order: the preserved block followed by user turns still inside the
// recent window.
func (a *ActiveContext) AllUserMessages() []Message {
	var out []Message
	out = append(out, a.UserMessages...)
	for _, m := range a.RecentMessages {
		if m.IsUser() {
			out = append(out, m)
		}
	}
	return out
}
