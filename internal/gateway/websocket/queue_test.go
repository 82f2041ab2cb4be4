package websocket

import (
	"testing"

	"github.com/courierdev/courier/pkg/events"
)

func TestFailedQueuePushDrainOrder(t *testing.T) {
	q := newFailedQueue(5)
	for i := 0; i < 3; i++ {
		env := events.Envelope{"n": i}
		if dropped := q.push(env, "offline"); dropped {
			t.Fatalf("push %d dropped unexpectedly", i)
		}
	}
	if q.len() != 3 {
		t.Fatalf("len = %d, want 3", q.len())
	}

	items := q.drain()
	if len(items) != 3 || q.len() != 0 {
		t.Fatalf("drain returned %d items, queue len %d", len(items), q.len())
	}
	for i, item := range items {
		if item.Envelope["n"] != i {
			t.Errorf("item %d out of order: %v", i, item.Envelope["n"])
		}
		if item.Reason != "offline" {
			t.Errorf("item %d reason = %q", i, item.Reason)
		}
		if item.QueuedAt.IsZero() {
			t.Errorf("item %d has zero QueuedAt", i)
		}
	}
}

func TestFailedQueueDropOldestOnOverflow(t *testing.T) {
	q := newFailedQueue(2)
	q.push(events.Envelope{"n": 0}, "offline")
	q.push(events.Envelope{"n": 1}, "offline")
	if !q.push(events.Envelope{"n": 2}, "offline") {
		t.Fatal("overflow push should report a drop")
	}

	items := q.drain()
	if len(items) != 2 {
		t.Fatalf("len = %d, want 2", len(items))
	}
	if items[0].Envelope["n"] != 1 || items[1].Envelope["n"] != 2 {
		t.Fatalf("wrong survivors: %v, %v", items[0].Envelope["n"], items[1].Envelope["n"])
	}
}

func TestFailedQueueHasRoom(t *testing.T) {
	q := newFailedQueue(1)
	if !q.hasRoom() {
		t.Fatal("empty queue should have room")
	}
	q.push(events.Envelope{}, "offline")
	if q.hasRoom() {
		t.Fatal("full queue should not have room")
	}
}
