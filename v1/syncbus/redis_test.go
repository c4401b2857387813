package syncbus

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-warplock/v1/errors"
)

func newRedisBus(t *testing.T, opts ...RedisBusOption) (*RedisBus, *redis.Client, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewRedisBus(client, opts...)
	ctx := context.Background()
	t.Cleanup(func() {
		_ = bus.Close()
		_ = client.Close()
		mr.Close()
	})
	return bus, client, ctx
}

func TestRedisBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus, _, ctx := newRedisBus(t)
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

func TestRedisBusCrossInstance(t *testing.T) {
	subscriber, client, ctx := newRedisBus(t)
	publisher := NewRedisBus(client)
	ch, err := subscriber.Subscribe(ctx, "unlock:key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := publisher.Publish(ctx, "unlock:key"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for remote publish")
	}
	if publisher.Metrics().Published != 1 {
		t.Fatal("expected publisher to count its message")
	}
}

func TestRedisBusChannelPrefix(t *testing.T) {
	bus, client, ctx := newRedisBus(t, WithChannelPrefix("custom:"))
	ps := client.Subscribe(ctx, "custom:lock:key")
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := bus.Publish(ctx, "lock:key"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ps.Channel():
		if msg.Payload == "" {
			t.Fatal("expected message id payload")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for prefixed channel")
	}
}

func TestRedisBusContextBasedUnsubscribe(t *testing.T) {
	bus, _, _ := newRedisBus(t)
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
	time.Sleep(50 * time.Millisecond)
	bus.mu.Lock()
	_, ok := bus.pubsubs["key"]
	bus.mu.Unlock()
	if ok {
		t.Fatal("pubsub still open after last unsubscribe")
	}
}

func TestRedisBusSharedSubscription(t *testing.T) {
	bus, _, ctx := newRedisBus(t)
	first, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	second, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.mu.Lock()
	n := len(bus.pubsubs)
	bus.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected one pubsub, got %d", n)
	}
	if err := bus.Unsubscribe(ctx, "key", first); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := bus.Publish(ctx, "key"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber not signalled")
	}
}

func TestRedisBusClosedClient(t *testing.T) {
	bus, client, ctx := newRedisBus(t)
	_ = client.Close()
	err := bus.Publish(ctx, "key")
	if !stdErrors.Is(err, warperrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}
