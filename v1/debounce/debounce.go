// Package debounce elects the last caller of a burst across processes.
//
// Every call increments a shared counter, waits for the window and reads
// the counter back. Only the call whose increment is still the latest
// value fires its callback; the others are suppressed. Arguments are never
// merged: the winner's argument is the only one delivered.
package debounce

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	warperrors "github.com/mirkobrombin/go-warplock/v1/errors"
	"github.com/mirkobrombin/go-warplock/v1/metrics"
	"github.com/mirkobrombin/go-warplock/v1/store"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-warplock/v1/debounce")

const (
	DefaultWait = time.Second
	// ttlFactor sizes the default counter TTL relative to the window.
	ttlFactor = 10
)

// Callback receives the argument of the winning call.
type Callback[T any] func(ctx context.Context, arg T) error

type options struct {
	wait   time.Duration
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures a Debouncer.
type Option func(*options)

// WithWait sets the window a call waits before checking whether it won.
func WithWait(d time.Duration) Option {
	return func(o *options) {
		o.wait = d
	}
}

// WithCounterTTL sets the expiry refreshed on every increment. It must
// outlive the window; shorter values fall back to the default.
func WithCounterTTL(d time.Duration) Option {
	return func(o *options) {
		o.ttl = d
	}
}

// WithLogger sets the logger. It defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Debouncer runs a callback once per burst of calls sharing an id.
type Debouncer[T any] struct {
	counter store.Counter
	key     string
	cb      Callback[T]
	opts    options
}

// New returns a Debouncer for id whose shared counter lives in c.
func New[T any](c store.Counter, id string, cb Callback[T], opts ...Option) *Debouncer[T] {
	o := options{wait: DefaultWait, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.wait <= 0 {
		o.wait = DefaultWait
	}
	if o.ttl <= o.wait {
		o.ttl = ttlFactor * o.wait
	}
	return &Debouncer[T]{
		counter: c,
		key:     "debounce:" + id,
		cb:      cb,
		opts:    o,
	}
}

// Key returns the counter key.
func (d *Debouncer[T]) Key() string { return d.key }

// Call registers a call with arg and blocks for the window. It returns true
// when this call was the last one and its callback ran, passing through the
// callback's error. A suppressed call returns false and a nil error.
func (d *Debouncer[T]) Call(ctx context.Context, arg T) (bool, error) {
	ctx, span := tracer.Start(ctx, "Debouncer.Call", trace.WithAttributes(
		attribute.String("warplock.debounce.key", d.key),
		attribute.Int64("warplock.debounce.wait_ms", d.opts.wait.Milliseconds()),
	))
	defer span.End()

	seq, err := d.counter.Incr(ctx, d.key, d.opts.ttl)
	if err != nil {
		metrics.StoreErrorCounter.Inc()
		return false, err
	}

	timer := time.NewTimer(d.opts.wait)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		if stdErrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return false, warperrors.ErrTimeout
		}
		return false, ctx.Err()
	}

	current, found, err := d.counter.Get(ctx, d.key)
	if err != nil {
		metrics.StoreErrorCounter.Inc()
		return false, err
	}
	if !found || current != strconv.FormatInt(seq, 10) {
		metrics.DebounceSuppressedCounter.Inc()
		d.opts.logger.Debug("debounce.suppressed",
			"key", d.key,
			"seq", seq,
			"current", current,
		)
		span.SetAttributes(attribute.Bool("warplock.debounce.fired", false))
		return false, nil
	}

	metrics.DebounceFiredCounter.Inc()
	span.SetAttributes(attribute.Bool("warplock.debounce.fired", true))
	d.opts.logger.Debug("debounce.fired", "key", d.key, "seq", seq)
	return true, d.cb(ctx, arg)
}
