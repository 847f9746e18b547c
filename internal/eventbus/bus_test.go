package eventbus

import (
	"testing"
	"time"
)

func TestSubscribePrefixFilter(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	batch, unsubBatch := b.Subscribe(4, PrefixBatch)
	defer unsubBatch()

	b.Publish(Event{Type: TypeConditionBattery})
	b.Publish(Event{Type: TypeBatchDispatched})

	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", got)
	}
	if got := len(batch); got != 1 {
		t.Fatalf("batch subscriber got %d events, want 1", got)
	}
	e := <-batch
	if e.Type != TypeBatchDispatched {
		t.Fatalf("type = %s", e.Type)
	}
	if e.Time.IsZero() {
		t.Fatal("Publish should stamp Time")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
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
	b.Publish(Event{Type: "after"})
}
