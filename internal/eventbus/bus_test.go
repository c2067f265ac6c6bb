package eventbus

import (
	"testing"
	"time"
)

func TestPublishFiltersByType(t *testing.T) {
	t.Parallel()
	b := New()
	fired, unsubFired := b.Subscribe(4, EventFired)
	defer unsubFired()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: EventWarned, Data: int64(1)})
	b.Publish(Event{Type: EventFired, Data: int64(2)})

	select {
	case e := <-fired:
		if e.Type != EventFired || e.Data.(int64) != 2 {
			t.Fatalf("unexpected event %+v", e)
		}
		if e.Time.IsZero() {
			t.Fatal("Publish should stamp Time")
		}
	case <-time.After(time.Second):
		t.Fatal("no fired event delivered")
	}
	if len(fired) != 0 {
		t.Fatalf("filtered subscriber got %d extra events", len(fired))
	}
	if len(all) != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", len(all))
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: EventAdded})
	}
	if got := b.Dropped(); got != 9 {
		t.Fatalf("Dropped = %d, want 9", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: EventAdded})
}
