package lock

import (
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-warplock/v1/syncbus"
)

const (
	DefaultLease          = 10 * time.Second
	DefaultRetryAttempts  = 3
	DefaultRetryDelay     = 100 * time.Millisecond
	DefaultDriftFactor    = 0.01
	DefaultCleanupTimeout = 5 * time.Second

	// driftFloor is added to the drift allowance of every round to cover
	// timer granularity.
	driftFloor = 2 * time.Millisecond
)

// RetryPolicy controls how many acquisition rounds are attempted and how
// long to wait between them.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

type options struct {
	lease          time.Duration
	retry          RetryPolicy
	driftFactor    float64
	tokens         TokenSource
	bus            syncbus.Bus
	logger         *slog.Logger
	cleanupTimeout time.Duration
}

func defaultOptions() options {
	return options{
		lease:          DefaultLease,
		retry:          RetryPolicy{Attempts: DefaultRetryAttempts, Delay: DefaultRetryDelay},
		driftFactor:    DefaultDriftFactor,
		tokens:         RandomToken,
		logger:         slog.Default(),
		cleanupTimeout: DefaultCleanupTimeout,
	}
}

func (o options) with(opts []Option) options {
	for _, opt := range opts {
		opt(&o)
	}
	if o.retry.Attempts < 1 {
		o.retry.Attempts = 1
	}
	if o.retry.Delay < 0 {
		o.retry.Delay = 0
	}
	return o
}

// Option configures a Lock or Manager. Passed to Acquire, it overrides the
// constructor options for the rest of the lock's life, so Release, Extend
// and Status use the same bus and logger as the acquisition.
type Option func(*options)

// WithLease sets the lease duration.
func WithLease(d time.Duration) Option {
	return func(o *options) {
		o.lease = d
	}
}

// WithRetry sets the number of acquisition rounds and the delay between
// them. No delay follows the last round.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(o *options) {
		o.retry = RetryPolicy{Attempts: attempts, Delay: delay}
	}
}

// WithDriftFactor sets the share of the lease reserved for clock drift
// between the stores.
func WithDriftFactor(f float64) Option {
	return func(o *options) {
		if f >= 0 {
			o.driftFactor = f
		}
	}
}

// WithTokenSource replaces the lease token generator.
func WithTokenSource(ts TokenSource) Option {
	return func(o *options) {
		if ts != nil {
			o.tokens = ts
		}
	}
}

// WithBus publishes lock and unlock events on b and lets waiting
// acquisitions retry as soon as the lock is released.
func WithBus(b syncbus.Bus) Option {
	return func(o *options) {
		o.bus = b
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

// WithCleanupTimeout bounds the rollback of a failed or cancelled round.
func WithCleanupTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cleanupTimeout = d
		}
	}
}
