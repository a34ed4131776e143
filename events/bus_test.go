package events

import (
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, cancel := b.Subscribe(4)
	defer cancel()

	b.Publish(Event{Type: TypeMessageEnqueued, Queue: "orders", MessageID: "m1"})

	select {
	case e := <-ch:
		if e.Type != TypeMessageEnqueued {
			t.Fatalf("type = %q, want %q", e.Type, TypeMessageEnqueued)
		}
		if e.Queue != "orders" || e.MessageID != "m1" {
			t.Fatalf("unexpected event: %+v", e)
		}
		if e.AtMs == 0 {
			t.Fatalf("AtMs not stamped")
		}
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(Event{Type: TypeMessageEnqueued})
	b.Publish(Event{Type: TypeMessageClaimed})
	b.Publish(Event{Type: TypeMessageCompleted})

	if got := b.Dropped(); got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}
	e := <-ch
	if e.Type != TypeMessageEnqueued {
		t.Fatalf("kept event = %q, want first publish", e.Type)
	}
}

func TestBusCancelStopsDelivery(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, cancel := b.Subscribe(4)
	cancel()
	cancel() // idempotent

	if _, open := <-ch; open {
		t.Fatalf("channel still open after cancel")
	}
	// Publishing after cancel must not panic or block.
	b.Publish(Event{Type: TypeMessageEnqueued})
}

func TestBusClose(t *testing.T) {
	b := NewBus()
	ch, _ := b.Subscribe(4)

	b.Close()
	b.Close() // idempotent

	if _, open := <-ch; open {
		t.Fatalf("channel still open after close")
	}
	b.Publish(Event{Type: TypeMessageEnqueued}) // dropped, no panic

	ch2, cancel2 := b.Subscribe(1)
	defer cancel2()
	if _, open := <-ch2; open {
		t.Fatalf("subscribe after close returned open channel")
	}
}

func TestNilBusIsSafe(t *testing.T) {
	var b *Bus
	b.Publish(Event{Type: TypeMessageEnqueued})
	b.Close()
	if b.Dropped() != 0 {
		t.Fatalf("nil bus reported drops")
	}
}
