// Package syncbus propagates lock and unlock events between processes so
// that waiting acquirers can retry as soon as a holder releases, instead of
// sleeping out their whole retry delay.
//
// Events carry no payload: a signal on a topic only means "something
// happened, look at the store". Delivery is best effort and a missed event
// costs one retry delay, never safety.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-warplock/v1/syncbus")

// Bus provides a simple pub/sub mechanism used to propagate lock events
// across nodes.
type Bus interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(ctx context.Context, topic string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error
}

// LockTopic is the topic announcing that key was acquired.
func LockTopic(key string) string { return "lock:" + key }

// UnlockTopic is the topic announcing that key was released.
func UnlockTopic(key string) string { return "unlock:" + key }

// Metrics reports publish and delivery counts of a bus.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// subscribers holds the local channels attached to each topic. Every Bus
// implementation fans remote messages out through it.
type subscribers struct {
	mu        sync.Mutex
	chans     map[string][]chan struct{}
	delivered atomic.Uint64
}

func newSubscribers() *subscribers {
	return &subscribers{chans: make(map[string][]chan struct{})}
}

// add attaches a new channel to topic. first is true when topic had no
// subscribers before, meaning the caller must open the remote subscription.
func (s *subscribers) add(topic string) (ch chan struct{}, first bool) {
	ch = make(chan struct{}, 1)
	s.mu.Lock()
	first = len(s.chans[topic]) == 0
	s.chans[topic] = append(s.chans[topic], ch)
	s.mu.Unlock()
	return ch, first
}

// remove detaches and closes ch. found reports whether ch was attached and
// last whether topic is now without subscribers.
func (s *subscribers) remove(topic string, ch chan struct{}) (found, last bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.chans[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(s.chans, topic)
		return found, found
	}
	s.chans[topic] = subs
	return found, false
}

// deliver signals every channel on topic without blocking. A channel that
// already holds a pending signal is skipped; one signal is as good as two.
// Sends happen under mu so remove can never close a channel mid-send.
func (s *subscribers) deliver(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.chans[topic] {
		select {
		case ch <- struct{}{}:
			s.delivered.Add(1)
		default:
		}
	}
}

func (s *subscribers) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic, subs := range s.chans {
		for _, c := range subs {
			close(c)
		}
		delete(s.chans, topic)
	}
}

// unsubscribeOnDone detaches ch once ctx ends.
func unsubscribeOnDone(ctx context.Context, b Bus, topic string, ch chan struct{}) {
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
}

// InMemoryBus is a process-local Bus, mainly for tests and single-node use.
type InMemoryBus struct {
	subs      *subscribers
	mu        sync.Mutex
	pending   map[string]struct{}
	published atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: newSubscribers(), pending: make(map[string]struct{})}
}

// Publish implements Bus.Publish. Concurrent publishes on the same topic
// collapse into one.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	b.mu.Lock()
	if _, ok := b.pending[topic]; ok {
		b.mu.Unlock()
		return nil
	}
	b.pending[topic] = struct{}{}
	b.mu.Unlock()

	b.published.Add(1)
	b.subs.deliver(topic)

	b.mu.Lock()
	delete(b.pending, topic)
	b.mu.Unlock()
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch, _ := b.subs.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.subs.remove(topic, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.subs.delivered.Load(),
	}
}
