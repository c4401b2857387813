package syncbus

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	warperrors "github.com/mirkobrombin/go-warplock/v1/errors"
)

const (
	redisBusTimeout    = 5 * time.Second
	defaultRedisPrefix = "warplock:"
)

// RedisBus implements Bus on Redis pub/sub. Each topic with local
// subscribers holds one PubSub connection.
type RedisBus struct {
	client    redis.UniversalClient
	prefix    string
	subs      *subscribers
	mu        sync.Mutex
	pubsubs   map[string]*redis.PubSub
	published atomic.Uint64
}

// RedisBusOption configures a RedisBus.
type RedisBusOption func(*RedisBus)

// WithChannelPrefix sets the prefix prepended to every Redis channel.
func WithChannelPrefix(prefix string) RedisBusOption {
	return func(b *RedisBus) {
		b.prefix = prefix
	}
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client redis.UniversalClient, opts ...RedisBusOption) *RedisBus {
	b := &RedisBus{
		client:  client,
		prefix:  defaultRedisPrefix,
		subs:    newSubscribers(),
		pubsubs: make(map[string]*redis.PubSub),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBus) channel(topic string) string {
	return b.prefix + topic
}

// Publish implements Bus.Publish. The payload is a fresh message id used
// only for tracing.
func (b *RedisBus) Publish(ctx context.Context, topic string) error {
	id := uuid.NewString()
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(
		attribute.String("warplock.bus.topic", topic),
		attribute.String("warplock.bus.message_id", id),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return redisBusError(err)
	}
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, b.channel(topic), id).Err(); err != nil {
		span.RecordError(err)
		return redisBusError(err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, redisBusError(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.subs.add(topic)
	if first {
		ps := b.client.Subscribe(context.Background(), b.channel(topic))
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		_, err := ps.Receive(cctx)
		cancel()
		if err != nil {
			_ = ps.Close()
			b.subs.remove(topic, ch)
			return nil, redisBusError(err)
		}
		b.pubsubs[topic] = ps
		go b.dispatch(topic, ps)
	}
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

func (b *RedisBus) dispatch(topic string, ps *redis.PubSub) {
	for range ps.Channel() {
		b.subs.deliver(topic)
	}
}

// Unsubscribe implements Bus.Unsubscribe. The PubSub connection is closed
// with the last local subscriber.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	found, last := b.subs.remove(topic, ch)
	if !found || !last {
		b.mu.Unlock()
		return nil
	}
	ps := b.pubsubs[topic]
	delete(b.pubsubs, topic)
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	if err := ps.Close(); err != nil {
		return redisBusError(err)
	}
	return nil
}

// Close drops every subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for topic, ps := range b.pubsubs {
		if err := ps.Close(); err != nil && !stdErrors.Is(err, redis.ErrClosed) {
			errs = append(errs, err)
		}
		delete(b.pubsubs, topic)
	}
	b.subs.closeAll()
	return stdErrors.Join(errs...)
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.subs.delivered.Load(),
	}
}

func redisBusError(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return warperrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return warperrors.ErrConnectionClosed
	}
	return err
}
