package bus

import (
	"testing"
	"time"
)

func TestPublishDeliversToMatchingSubscriber(t *testing.T) {
	b := New(8)
	ch := b.Subscribe(EventTaskQueued)

	b.Publish(Event{Type: EventTaskQueued, TaskID: "task-1"})

	select {
	case ev := <-ch:
		if ev.TaskID != "task-1" {
			t.Errorf("expected task-1, got %s", ev.TaskID)
		}
		if ev.Timestamp.IsZero() {
			t.Error("expected timestamp to be set")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishFiltersByType(t *testing.T) {
	b := New(8)
	ch := b.Subscribe(EventTaskCompleted)

	b.Publish(Event{Type: EventTaskQueued, TaskID: "task-1"})
	b.Publish(Event{Type: EventTaskCompleted, TaskID: "task-2"})

	ev := <-ch
	if ev.TaskID != "task-2" {
		t.Errorf("expected task-2, got %s", ev.TaskID)
	}
	if len(ch) != 0 {
		t.Errorf("expected no further events, got %d buffered", len(ch))
	}
}

func TestSubscribeAllTopics(t *testing.T) {
	b := New(8)
	ch := b.Subscribe()

	b.Publish(Event{Type: EventTaskQueued})
	b.Publish(Event{Type: EventSagaCompleted})

	if got := len(ch); got != 2 {
		t.Errorf("expected 2 buffered events, got %d", got)
	}
}

func TestPublishNeverBlocksOnFullBuffer(t *testing.T) {
	b := New(1)
	_ = b.Subscribe(EventTaskQueued)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: EventTaskQueued})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber buffer")
	}

	if b.DroppedCount() == 0 {
		t.Error("expected dropped events to be counted")
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	b := New(4)
	ch := b.Subscribe(EventTaskQueued)

	b.Close()
	b.Publish(Event{Type: EventTaskQueued})

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed with no events")
	}
}
