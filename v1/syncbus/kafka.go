package syncbus

import (
	"context"
	stdErrors "errors"
	"strings"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const kafkaTopicPrefix = "warplock."

// KafkaBus implements Bus using a Kafka cluster. Every bus topic maps to a
// Kafka topic consumed from partition 0 at the newest offset.
type KafkaBus struct {
	client    sarama.Client
	producer  sarama.SyncProducer
	consumer  sarama.Consumer
	subs      *subscribers
	mu        sync.Mutex
	pcs       map[string]sarama.PartitionConsumer
	published atomic.Uint64
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaBus{
		client:   client,
		producer: producer,
		consumer: consumer,
		subs:     newSubscribers(),
		pcs:      make(map[string]sarama.PartitionConsumer),
	}, nil
}

// kafkaTopic maps a bus topic onto the legal Kafka topic alphabet.
func kafkaTopic(topic string) string {
	return kafkaTopicPrefix + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		}
		return '_'
	}, topic)
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, topic string) error {
	id := uuid.NewString()
	_, span := tracer.Start(ctx, "KafkaBus.Publish", trace.WithAttributes(
		attribute.String("warplock.bus.topic", topic),
		attribute.String("warplock.bus.message_id", id),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: kafkaTopic(topic),
		Key:   sarama.StringEncoder(topic),
		Value: sarama.StringEncoder(id),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		span.RecordError(err)
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.subs.add(topic)
	if first {
		pc, err := b.consumer.ConsumePartition(kafkaTopic(topic), 0, sarama.OffsetNewest)
		if err != nil {
			b.subs.remove(topic, ch)
			return nil, err
		}
		b.pcs[topic] = pc
		go b.dispatch(topic, pc)
	}
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

func (b *KafkaBus) dispatch(topic string, pc sarama.PartitionConsumer) {
	for range pc.Messages() {
		b.subs.deliver(topic)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	found, last := b.subs.remove(topic, ch)
	if !found || !last {
		b.mu.Unlock()
		return nil
	}
	pc := b.pcs[topic]
	delete(b.pcs, topic)
	b.mu.Unlock()
	if pc == nil {
		return nil
	}
	return pc.Close()
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.subs.delivered.Load(),
	}
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	var errs []error
	for topic, pc := range b.pcs {
		errs = append(errs, pc.Close())
		delete(b.pcs, topic)
	}
	b.subs.closeAll()
	b.mu.Unlock()
	errs = append(errs, b.producer.Close(), b.consumer.Close(), b.client.Close())
	return stdErrors.Join(errs...)
}
