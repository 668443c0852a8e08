package events

import (
	"sync"
	"testing"
	"time"
)

func TestNewEvent(t *testing.T) {
	before := time.Now()
	event := NewEvent(EventStateChange, "wo-00000001", StateChangeData{Waiting: 2, Running: 1})
	after := time.Now()

	if event.Type != EventStateChange {
		t.Errorf("expected type %s, got %s", EventStateChange, event.Type)
	}
	if event.WorkOrderID != "wo-00000001" {
		t.Errorf("expected work order wo-00000001, got %s", event.WorkOrderID)
	}
	if event.Time.Before(before) || event.Time.After(after) {
		t.Errorf("event time %v not between %v and %v", event.Time, before, after)
	}
}

func TestMemoryPublisher_PublishAndSubscribe(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	ch := pub.Subscribe("wo-00000001")

	pub.Publish(NewEvent(EventRunStarted, "wo-00000001", nil))

	select {
	case received := <-ch:
		if received.Type != EventRunStarted {
			t.Errorf("expected type %s, got %s", EventRunStarted, received.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemoryPublisher_GlobalSubscription(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	global := pub.Subscribe(GlobalID)

	pub.Publish(NewEvent(EventRunStarted, "wo-00000001", nil))
	pub.Publish(NewEvent(EventRunCompleted, "wo-00000002", nil))

	for i := 0; i < 2; i++ {
		select {
		case <-global:
		case <-time.After(time.Second):
			t.Fatalf("global subscriber missed event %d", i)
		}
	}
}

func TestMemoryPublisher_IsolationBetweenWorkOrders(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	ch := pub.Subscribe("wo-00000001")

	pub.Publish(NewEvent(EventRunStarted, "wo-00000002", nil))

	select {
	case ev := <-ch:
		t.Fatalf("received event for wrong work order: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryPublisher_Unsubscribe(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	ch := pub.Subscribe("wo-00000001")
	if got := pub.SubscriberCount("wo-00000001"); got != 1 {
		t.Fatalf("subscriber count = %d, want 1", got)
	}

	pub.Unsubscribe("wo-00000001", ch)
	if got := pub.SubscriberCount("wo-00000001"); got != 0 {
		t.Fatalf("subscriber count after unsubscribe = %d, want 0", got)
	}

	// Channel is closed after unsubscribe
	if _, ok := <-ch; ok {
		t.Error("channel still open after unsubscribe")
	}
}

func TestMemoryPublisher_FullBufferDoesNotBlock(t *testing.T) {
	pub := NewMemoryPublisher(WithBufferSize(1))
	defer pub.Close()

	pub.Subscribe("wo-00000001")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			pub.Publish(NewEvent(EventAgentOutput, "wo-00000001", nil))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}
}

func TestMemoryPublisher_CloseClosesSubscribers(t *testing.T) {
	pub := NewMemoryPublisher()
	ch := pub.Subscribe("wo-00000001")

	pub.Close()

	if _, ok := <-ch; ok {
		t.Error("channel still open after Close")
	}

	// Publish and Subscribe after close must not panic
	pub.Publish(NewEvent(EventRunStarted, "wo-00000001", nil))
	closed := pub.Subscribe("wo-00000002")
	if _, ok := <-closed; ok {
		t.Error("subscribe after close returned an open channel")
	}
}

func TestMemoryPublisher_ConcurrentPublish(t *testing.T) {
	pub := NewMemoryPublisher(WithBufferSize(1000))
	defer pub.Close()

	ch := pub.Subscribe(GlobalID)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				pub.Publish(NewEvent(EventAgentOutput, "wo-00000001", nil))
			}
		}()
	}
	wg.Wait()

	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			if count != 200 {
				t.Errorf("received %d events, want 200", count)
			}
			return
		}
	}
}

func TestNopPublisher(t *testing.T) {
	pub := NewNopPublisher()

	pub.Publish(NewEvent(EventRunStarted, "wo-00000001", nil))

	ch := pub.Subscribe("wo-00000001")
	if _, ok := <-ch; ok {
		t.Error("nop subscribe returned an open channel")
	}

	pub.Unsubscribe("wo-00000001", ch)
	pub.Close()
}
