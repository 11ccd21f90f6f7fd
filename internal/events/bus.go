// Package events provides a publish/subscribe event bus connecting the
// context-management core to its consumers (the CLI layer, the HTTP
// event stream, MQTT telemetry). The bus is nil-safe: calling Publish
// on a nil *Bus is a no-op, so components do not need guard checks.
//
// Delivery is best-effort. The guarantee components rely on is "at
// least one delivery per threshold crossing", not strict FIFO across
// components: a slow subscriber misses events rather than blocking the
// conversation path.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceManager identifies events from the context manager.
	SourceManager = "manager"
	// SourceGuard identifies events from the memory guard.
	SourceGuard = "guard"
	// SourceVRAM identifies events from the VRAM monitor.
	SourceVRAM = "vram"
	// SourceSnapshot identifies events from the snapshot manager.
	SourceSnapshot = "snapshot"
	// SourcePool identifies events from the context pool.
	SourcePool = "pool"
)

// Kind constants describe the type of event within a source.
const (
	// KindMessageAdded signals a message was admitted to a session.
	// Data: session_id, role, tokens, total_tokens.
	KindMessageAdded = "message_added"
	// KindSnapshotCreated signals a snapshot was persisted.
	// Data: session_id, snapshot_id, trigger, user_messages, tokens.
	KindSnapshotCreated = "snapshot_created"
	// KindAutoSummaryCreated signals compression produced a new
	// checkpoint summary.
	// Data: session_id, checkpoint_id, strategy, original_tokens,
	// current_tokens.
	KindAutoSummaryCreated = "auto_summary_created"
	// KindTierChanged signals the context budget moved to a different
	// policy tier. Data: session_id, old_tier, new_tier, budget.
	KindTierChanged = "tier_changed"
	// KindLowMemory signals available VRAM dropped below the configured
	// threshold. Data: available_bytes, total_bytes.
	KindLowMemory = "low_memory"
	// KindMemoryWarning signals the memory guard crossed a severity
	// level. Data: session_id, level, usage_ratio.
	KindMemoryWarning = "memory_warning"
	// KindContextResized signals the context pool changed its token
	// budget. Data: old_size, new_size.
	KindContextResized = "context_resized"
)

// Event is a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event view.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// stream consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
