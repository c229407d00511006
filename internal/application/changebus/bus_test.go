package changebus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestFilter_Matches(t *testing.T) {
	event := ChangeEvent{OwnerID: "u1", EntityType: "step_count", EntityID: "e1", Kind: KindCreated}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter", Filter{}, true},
		{"owner match", Filter{OwnerID: "u1"}, true},
		{"owner mismatch", Filter{OwnerID: "u2"}, false},
		{"type match", Filter{EntityTypes: []string{"heart_rate", "step_count"}}, true},
		{"type mismatch", Filter{EntityTypes: []string{"heart_rate"}}, false},
		{"owner and type", Filter{OwnerID: "u1", EntityTypes: []string{"step_count"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(event); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := New(8)
	defer bus.Close()

	steps := bus.Subscribe(Filter{OwnerID: "u1", EntityTypes: []string{"step_count"}})
	all := bus.Subscribe(Filter{})

	bus.Publish(ChangeEvent{OwnerID: "u1", EntityType: "step_count", EntityID: "e1", Kind: KindCreated})
	bus.Publish(ChangeEvent{OwnerID: "u1", EntityType: "heart_rate", EntityID: "e2", Kind: KindCreated})

	select {
	case e := <-steps.C():
		if e.EntityID != "e1" {
			t.Errorf("expected e1, got %s", e.EntityID)
		}
		if e.At.IsZero() {
			t.Error("expected publish time to be stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case e := <-steps.C():
		t.Errorf("unexpected event for filtered subscriber: %+v", e)
	default:
	}

	if got := len(all.C()); got != 2 {
		t.Errorf("expected 2 buffered events for catch-all subscriber, got %d", got)
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := New(1)
	defer bus.Close()

	sub := bus.Subscribe(Filter{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(ChangeEvent{OwnerID: "u1", EntityID: "e"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	if sub.Dropped() != 9 {
		t.Errorf("expected 9 dropped events, got %d", sub.Dropped())
	}
}

func TestBus_SubscriptionClose(t *testing.T) {
	bus := New(4)
	defer bus.Close()

	sub := bus.Subscribe(Filter{})
	if bus.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", bus.SubscriberCount())
	}

	sub.Close()
	sub.Close()

	if bus.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", bus.SubscriberCount())
	}
	if _, ok := <-sub.C(); ok {
		t.Error("expected closed channel")
	}

	bus.Publish(ChangeEvent{OwnerID: "u1"})
}

func TestBus_Close(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe(Filter{})

	bus.Close()
	bus.Close()

	if _, ok := <-sub.C(); ok {
		t.Error("expected subscription channel to close with the bus")
	}

	late := bus.Subscribe(Filter{})
	if _, ok := <-late.C(); ok {
		t.Error("expected subscription on closed bus to be closed")
	}

	bus.Publish(ChangeEvent{OwnerID: "u1"})
	sub.Close()
}

func TestDebounce_CoalescesBurst(t *testing.T) {
	ch := make(chan ChangeEvent, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var batches [][]ChangeEvent
	done := make(chan struct{})

	go func() {
		Debounce(ctx, ch, 50*time.Millisecond, func(batch []ChangeEvent) {
			mu.Lock()
			batches = append(batches, batch)
			mu.Unlock()
		})
		close(done)
	}()

	for i := 0; i < 5; i++ {
		ch <- ChangeEvent{EntityID: "e"}
	}

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	if len(batches) != 1 || len(batches[0]) != 5 {
		t.Errorf("expected one batch of 5, got %v", batches)
	}
	mu.Unlock()

	cancel()
	<-done
}

func TestDebounce_FlushesOnClose(t *testing.T) {
	ch := make(chan ChangeEvent, 4)
	ch <- ChangeEvent{EntityID: "a"}
	ch <- ChangeEvent{EntityID: "b"}
	close(ch)

	var got []ChangeEvent
	Debounce(context.Background(), ch, time.Hour, func(batch []ChangeEvent) {
		got = append(got, batch...)
	})

	if len(got) != 2 {
		t.Errorf("expected pending batch to flush on close, got %d events", len(got))
	}
}
