package syncbus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const natsSubjectPrefix = "warplock."

// NATSBus implements Bus using a NATS connection.
type NATSBus struct {
	conn      *nats.Conn
	subs      *subscribers
	mu        sync.Mutex
	natsSubs  map[string]*nats.Subscription
	published atomic.Uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn:     conn,
		subs:     newSubscribers(),
		natsSubs: make(map[string]*nats.Subscription),
	}
}

// natsSubject maps a topic to a literal NATS subject. Wildcard tokens and
// whitespace would change the subject's meaning, so they are replaced.
func natsSubject(topic string) string {
	return natsSubjectPrefix + strings.Map(func(r rune) rune {
		switch r {
		case '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, topic)
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, topic string) error {
	id := uuid.NewString()
	_, span := tracer.Start(ctx, "NATSBus.Publish", trace.WithAttributes(
		attribute.String("warplock.bus.topic", topic),
		attribute.String("warplock.bus.message_id", id),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(natsSubject(topic), []byte(id)); err != nil {
		span.RecordError(err)
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.subs.add(topic)
	if first {
		ns, err := b.conn.Subscribe(natsSubject(topic), func(_ *nats.Msg) {
			b.subs.deliver(topic)
		})
		if err == nil {
			// The subscription must reach the server before a publish
			// from another connection can be routed to it.
			err = b.conn.Flush()
		}
		if err != nil {
			if ns != nil {
				_ = ns.Unsubscribe()
			}
			b.subs.remove(topic, ch)
			return nil, err
		}
		b.natsSubs[topic] = ns
	}
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	found, last := b.subs.remove(topic, ch)
	if !found || !last {
		b.mu.Unlock()
		return nil
	}
	ns := b.natsSubs[topic]
	delete(b.natsSubs, topic)
	b.mu.Unlock()
	if ns == nil {
		return nil
	}
	return ns.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.subs.delivered.Load(),
	}
}
