package syncbus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func (s *subscribers) count(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chans[topic])
}

func waitSubscribers(t *testing.T, s *subscribers, topic string, n int) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if s.count(topic) == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d subscribers on %q, got %d", n, topic, s.count(topic))
}

func TestTopics(t *testing.T) {
	if got := LockTopic("k1"); got != "lock:k1" {
		t.Fatalf("unexpected lock topic %q", got)
	}
	if got := UnlockTopic("k1"); got != "unlock:k1" {
		t.Fatalf("unexpected unlock topic %q", got)
	}
}

func TestInMemoryBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, "unlock:key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "unlock:key"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}
	metrics := bus.Metrics()
	if metrics.Published != 1 {
		t.Fatalf("expected published 1 got %d", metrics.Published)
	}
	if metrics.Delivered != 1 {
		t.Fatalf("expected delivered 1 got %d", metrics.Delivered)
	}
}

func TestInMemoryBusPendingSignalCoalesces(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := bus.Publish(ctx, "key"); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	<-ch
	select {
	case <-ch:
		t.Fatal("expected a single pending signal")
	default:
	}
	if d := bus.Metrics().Delivered; d != 1 {
		t.Fatalf("expected delivered 1 got %d", d)
	}
}

func TestInMemoryBusFanOut(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	var chans []chan struct{}
	for i := 0; i < 3; i++ {
		ch, err := bus.Subscribe(ctx, "key")
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		chans = append(chans, ch)
	}
	other, err := bus.Subscribe(ctx, "other")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "key"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i, ch := range chans {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d not signalled", i)
		}
	}
	select {
	case <-other:
		t.Fatal("unrelated topic signalled")
	default:
	}
}

func TestInMemoryBusContextBasedUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(subCtx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}
	if n := bus.subs.count("key"); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}

func TestInMemoryBusUnsubscribeTwice(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Unsubscribe(ctx, "key", ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := bus.Unsubscribe(ctx, "key", ch); err != nil {
		t.Fatalf("second unsubscribe: %v", err)
	}
}

func TestInMemoryBusPublishDuringUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		ch, err := bus.Subscribe(ctx, "key")
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = bus.Publish(ctx, "key")
		}()
		go func() {
			defer wg.Done()
			_ = bus.Unsubscribe(ctx, "key", ch)
		}()
	}
	wg.Wait()
	if n := bus.subs.count("key"); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}
