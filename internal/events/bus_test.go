package events

import (
	"testing"
	"time"
)

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	// Must not panic.
	b.Publish(Event{Source: SourceManager, Kind: KindMessageAdded})
}

func TestNilBusSubscriberCount(t *testing.T) {
	var b *Bus
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestPublishSingleSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	defer b.Unsubscribe(ch)

	want := Event{
		Source: SourceGuard,
		Kind:   KindMemoryWarning,
		Data:   map[string]any{"session_id": "s1", "level": "soft"},
	}
	b.Publish(want)

	select {
	case got := <-ch:
		if got.Source != want.Source || got.Kind != want.Kind {
			t.Errorf("got event %v, want %v", got, want)
		}
		if got.Timestamp.IsZero() {
			t.Error("Publish did not stamp the event timestamp")
		}
		level, ok := got.Data["level"].(string)
		if !ok || level != "soft" {
			t.Errorf("got level %v, want %q", got.Data["level"], "soft")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	const n = 5
	channels := make([]<-chan Event, n)
	for i := range n {
		channels[i] = b.Subscribe(8)
	}
	defer func() {
		for _, ch := range channels {
			b.Unsubscribe(ch)
		}
	}()

	evt := Event{Source: SourcePool, Kind: KindContextResized}
	b.Publish(evt)

	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.Source != evt.Source || got.Kind != evt.Kind {
				t.Errorf("subscriber %d: got %v, want %v", i, got, evt)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestDropOnFull(t *testing.T) {
	b := New()
	// Buffer size 1: the second publish must be dropped, not block.
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Source: SourceVRAM, Kind: KindLowMemory})
	b.Publish(Event{Source: SourceVRAM, Kind: KindLowMemory})

	got := 0
	for {
		select {
		case <-ch:
			got++
		default:
			if got != 1 {
				t.Errorf("received %d events, want 1 (drop on full)", got)
			}
			return
		}
	}
}

func TestUnsubscribeTwice(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	// Second call must be a no-op, not a double close.
	b.Unsubscribe(ch)

	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}
}
