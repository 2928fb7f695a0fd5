package gridsync

import (
	"errors"
	"testing"
	"time"
)

func TestBroadcaster_ConnectedEventFirst(t *testing.T) {
	b := NewBroadcaster(DefaultBroadcasterConfig())
	defer b.Close()

	sub, err := b.Subscribe()
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}
	defer sub.Close()

	select {
	case ev := <-sub.Events:
		if ev.Type != EventConnected {
			t.Errorf("first event = %q, want %q", ev.Type, EventConnected)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for connected event")
	}
}

func TestBroadcaster_PublishOrder(t *testing.T) {
	b := NewBroadcaster(DefaultBroadcasterConfig())
	defer b.Close()

	sub, _ := b.Subscribe()
	defer sub.Close()
	<-sub.Events // connected

	for _, id := range []string{"a", "b", "c"} {
		b.Publish(ChangeEvent{Type: EventDataUpdate, DocumentID: id})
	}
	for _, want := range []string{"a", "b", "c"} {
		select {
		case ev := <-sub.Events:
			if ev.DocumentID != want {
				t.Errorf("documentId = %q, want %q", ev.DocumentID, want)
			}
		case <-time.After(1 * time.Second):
			t.Fatalf("timeout waiting for %q", want)
		}
	}
}

func TestBroadcaster_SlowSubscriberDropsNotBlocks(t *testing.T) {
	b := NewBroadcaster(BroadcasterConfig{BufferSize: 1, MaxSubscribers: 4})
	defer b.Close()

	slow, _ := b.Subscribe()
	defer slow.Close()
	fast, _ := b.Subscribe()
	defer fast.Close()
	<-fast.Events // connected

	// The slow subscriber never drains; its buffer holds only the
	// connected event. Publishing must still reach the fast one.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(ChangeEvent{Type: EventDataUpdate, DocumentID: "doc"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	select {
	case ev := <-fast.Events:
		if ev.Type != EventDataUpdate {
			t.Errorf("type = %q, want %q", ev.Type, EventDataUpdate)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("fast subscriber starved")
	}
}

func TestBroadcaster_ClosedSubscriberIsolated(t *testing.T) {
	b := NewBroadcaster(DefaultBroadcasterConfig())
	defer b.Close()

	dead, _ := b.Subscribe()
	live, _ := b.Subscribe()
	defer live.Close()
	<-live.Events // connected

	dead.Close()
	dead.Close() // idempotent

	b.Publish(ChangeEvent{Type: EventDataUpdate, DocumentID: "doc"})

	select {
	case ev := <-live.Events:
		if ev.DocumentID != "doc" {
			t.Errorf("documentId = %q, want doc", ev.DocumentID)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("live subscriber did not receive event")
	}
}

func TestBroadcaster_MaxSubscribers(t *testing.T) {
	b := NewBroadcaster(BroadcasterConfig{BufferSize: 4, MaxSubscribers: 2})
	defer b.Close()

	s1, _ := b.Subscribe()
	defer s1.Close()
	s2, _ := b.Subscribe()
	defer s2.Close()

	if _, err := b.Subscribe(); !errors.Is(err, ErrTooManySubscribers) {
		t.Errorf("err = %v, want ErrTooManySubscribers", err)
	}
}

func TestBroadcaster_Stats(t *testing.T) {
	b := NewBroadcaster(DefaultBroadcasterConfig())
	defer b.Close()

	sub, _ := b.Subscribe()
	defer sub.Close()
	<-sub.Events // connected

	b.Publish(ChangeEvent{Type: EventDataUpdate, DocumentID: "doc"})

	stats := b.Stats()
	if stats.ActiveSubscribers != 1 {
		t.Errorf("subscribers = %d, want 1", stats.ActiveSubscribers)
	}
	if stats.EventsPublished != 1 {
		t.Errorf("published = %d, want 1", stats.EventsPublished)
	}
}

func TestBroadcaster_SubscribeAfterClose(t *testing.T) {
	b := NewBroadcaster(DefaultBroadcasterConfig())
	b.Close()

	if _, err := b.Subscribe(); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}
