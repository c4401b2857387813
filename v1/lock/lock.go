package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	warperrors "github.com/mirkobrombin/go-warplock/v1/errors"
	"github.com/mirkobrombin/go-warplock/v1/metrics"
	"github.com/mirkobrombin/go-warplock/v1/store"
	"github.com/mirkobrombin/go-warplock/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-warplock/v1/lock")

// Lock is a single acquisition of a named lease over one or more stores.
type Lock struct {
	key    string
	stores []store.Store
	quorum int
	opts   options

	mu      sync.Mutex
	started bool
	status  Status
	token   string
	lease   time.Duration
	held    []store.Store
	err     error
}

// New returns a lock on key backed by a single store.
func New(s store.Store, key string, opts ...Option) *Lock {
	return newLock([]store.Store{s}, key, opts)
}

func newLock(stores []store.Store, key string, opts []Option) *Lock {
	o := defaultOptions().with(opts)
	return &Lock{
		key:    key,
		stores: stores,
		quorum: len(stores)/2 + 1,
		opts:   o,
		status: StatusCreated,
		lease:  o.lease,
	}
}

// Key returns the locked key.
func (l *Lock) Key() string { return l.key }

// State returns the local status without contacting the stores.
func (l *Lock) State() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Token returns the lease token of the current acquisition, or an empty
// string when none succeeded.
func (l *Lock) Token() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token
}

// Lease returns the lease applied to the acquisition plus every successful
// extension.
func (l *Lock) Lease() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lease
}

// Held returns the stores that accepted the acquisition.
func (l *Lock) Held() []store.Store {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]store.Store(nil), l.held...)
}

// Err returns the store errors seen by the most recent operation, joined.
func (l *Lock) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Lock) options() options {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opts
}

func (l *Lock) setErr(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

// Acquire runs up to the configured number of acquisition rounds. It
// returns true once a round wins a quorum of stores in time, and false
// when every round lost. Options override the lock defaults from here on.
//
// An error is returned only when the lock was already used, the lease is
// invalid, the token source failed or ctx ended. A cancelled
// acquisition removes whatever its last round wrote before returning.
func (l *Lock) Acquire(ctx context.Context, opts ...Option) (bool, error) {
	l.mu.Lock()
	o := l.opts.with(opts)
	if err := l.checkLease(o); err != nil {
		l.mu.Unlock()
		return false, err
	}
	if l.started {
		l.mu.Unlock()
		return false, warperrors.ErrLockUsed
	}
	l.started = true
	l.opts = o
	l.mu.Unlock()

	ctx, span := tracer.Start(ctx, "Lock.Acquire", trace.WithAttributes(
		attribute.String("warplock.key", l.key),
		attribute.Int64("warplock.lease_ms", o.lease.Milliseconds()),
		attribute.Int("warplock.stores", len(l.stores)),
		attribute.Int("warplock.attempts", o.retry.Attempts),
	))
	defer span.End()
	start := time.Now()
	defer func() {
		metrics.AcquireLatency.Observe(time.Since(start).Seconds())
	}()

	wake, unsubscribe := l.subscribeUnlock(ctx, o)
	defer unsubscribe()

	for attempt := 1; ; attempt++ {
		token, err := o.tokens()
		if err != nil {
			l.fail()
			span.SetStatus(codes.Error, "token generation failed")
			return false, fmt.Errorf("%w: %w", warperrors.ErrTokenGeneration, err)
		}

		res := l.round(ctx, o, token)
		l.setErr(res.err)
		if res.ok {
			l.mu.Lock()
			l.status = StatusAcquired
			l.token = token
			l.lease = o.lease
			l.held = res.held
			l.mu.Unlock()

			metrics.AcquireCounter.Inc()
			metrics.HeldGauge.Inc()
			span.SetAttributes(attribute.Int("warplock.round", attempt))
			o.logger.Debug("lock.acquired",
				"key", l.key,
				"round", attempt,
				"stores", len(res.held),
				"validity", res.validity,
			)
			publish(ctx, o, syncbus.LockTopic(l.key))
			return true, nil
		}

		if err := ctx.Err(); err != nil {
			l.fail()
			span.SetStatus(codes.Error, "cancelled")
			return false, contextError(err)
		}
		o.logger.Debug("lock.acquire.round_failed",
			"key", l.key,
			"round", attempt,
			"acquired", res.acquired,
			"quorum", l.quorum,
			"validity", res.validity,
		)
		if attempt >= o.retry.Attempts {
			break
		}
		if err := waitRetry(ctx, o.retry.Delay, wake); err != nil {
			l.fail()
			span.SetStatus(codes.Error, "cancelled")
			return false, contextError(err)
		}
	}

	l.fail()
	metrics.AcquireFailureCounter.Inc()
	o.logger.Debug("lock.acquire.failed", "key", l.key, "attempts", o.retry.Attempts)
	return false, nil
}

// checkLease rejects leases the stores cannot express in milliseconds and,
// with more than one store, leases entirely eaten by the drift allowance.
func (l *Lock) checkLease(o options) error {
	if o.lease < time.Millisecond {
		return warperrors.ErrInvalidLease
	}
	if len(l.stores) > 1 && o.lease <= drift(o) {
		return fmt.Errorf("%w: %v does not exceed the drift allowance %v", warperrors.ErrInvalidLease, o.lease, drift(o))
	}
	return nil
}

func (l *Lock) fail() {
	l.mu.Lock()
	l.status = StatusFailed
	l.token = ""
	l.held = nil
	l.mu.Unlock()
}

// subscribeUnlock returns a channel signalled when the key is released
// elsewhere, or nil when there is no bus or nothing to wait for. The
// returned func detaches the channel and must be called once the
// acquisition is over.
func (l *Lock) subscribeUnlock(ctx context.Context, o options) (chan struct{}, func()) {
	if o.bus == nil || o.retry.Attempts < 2 {
		return nil, func() {}
	}
	topic := syncbus.UnlockTopic(l.key)
	subCtx, cancel := context.WithCancel(ctx)
	ch, err := o.bus.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		o.logger.Warn("lock.bus.subscribe_failed", "key", l.key, "err", err)
		return nil, func() {}
	}
	return ch, func() {
		if err := o.bus.Unsubscribe(context.WithoutCancel(ctx), topic, ch); err != nil {
			o.logger.Warn("lock.bus.unsubscribe_failed", "key", l.key, "err", err)
		}
		cancel()
	}
}

// waitRetry sleeps for delay, or less when wake fires.
func waitRetry(ctx context.Context, delay time.Duration, wake chan struct{}) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return nil
		case _, ok := <-wake:
			if ok {
				return nil
			}
			wake = nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func publish(ctx context.Context, o options, topic string) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, topic); err != nil {
		o.logger.Warn("lock.bus.publish_failed", "topic", topic, "err", err)
	}
}

func contextError(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return warperrors.ErrTimeout
	}
	return err
}

// Release deletes the key on every store that holds it, provided the stored
// token is still ours. It returns true only when all of them confirmed.
//
// The lock is RELEASED afterwards whatever the stores answered; a second
// call returns false without touching the stores. Release only returns an
// error when ctx is already done, in which case the lock is left ACQUIRED.
func (l *Lock) Release(ctx context.Context) (bool, error) {
	l.mu.Lock()
	if l.status != StatusAcquired {
		l.mu.Unlock()
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		l.mu.Unlock()
		return false, contextError(err)
	}
	l.status = StatusReleased
	token, held, o := l.token, l.held, l.opts
	l.mu.Unlock()

	ctx, span := tracer.Start(ctx, "Lock.Release", trace.WithAttributes(
		attribute.String("warplock.key", l.key),
		attribute.Int("warplock.stores", len(held)),
	))
	defer span.End()

	results, err := l.fanOut(ctx, held, "release", func(ctx context.Context, s store.Store) (bool, error) {
		return s.CompareAndDelete(ctx, l.key, token)
	})
	l.setErr(err)
	metrics.HeldGauge.Dec()

	n := count(results)
	if n < len(held) {
		metrics.ReleaseFailureCounter.Inc()
		o.logger.Warn("lock.release.partial",
			"key", l.key,
			"confirmed", n,
			"held", len(held),
		)
		return false, nil
	}
	metrics.ReleaseCounter.Inc()
	publish(ctx, o, syncbus.UnlockTopic(l.key))
	return true, nil
}

// Extend adds amount to the remaining lease on every store that holds the
// lock. It returns true only when all of them accepted; a key that already
// expired cannot be extended. Stores count in milliseconds, so amount must
// be at least one.
func (l *Lock) Extend(ctx context.Context, amount time.Duration) (bool, error) {
	if amount < time.Millisecond {
		return false, warperrors.ErrInvalidLease
	}
	l.mu.Lock()
	if l.status != StatusAcquired {
		l.mu.Unlock()
		return false, nil
	}
	token, held, o := l.token, l.held, l.opts
	l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return false, contextError(err)
	}

	ctx, span := tracer.Start(ctx, "Lock.Extend", trace.WithAttributes(
		attribute.String("warplock.key", l.key),
		attribute.Int64("warplock.extend_ms", amount.Milliseconds()),
	))
	defer span.End()

	results, err := l.fanOut(ctx, held, "extend", func(ctx context.Context, s store.Store) (bool, error) {
		return s.CompareAndExtend(ctx, l.key, token, amount)
	})
	l.setErr(err)

	if count(results) < len(held) {
		metrics.ExtendFailureCounter.Inc()
		o.logger.Debug("lock.extend.rejected", "key", l.key)
		return false, nil
	}
	l.mu.Lock()
	l.lease += amount
	l.mu.Unlock()
	metrics.ExtendCounter.Inc()
	return true, nil
}

// Status asks the stores whether they still hold the token of the lock.
// Without a token it answers locally: FAILED for a failed acquisition and
// FREE otherwise.
//
// The answer is a point-in-time read. The lease may lapse, or the lock be
// taken by someone else, right after Status returns.
func (l *Lock) Status(ctx context.Context) (Status, error) {
	l.mu.Lock()
	status, token, held := l.status, l.token, l.held
	l.mu.Unlock()
	if token == "" {
		if status == StatusFailed {
			return StatusFailed, nil
		}
		return StatusFree, nil
	}
	if err := ctx.Err(); err != nil {
		return "", contextError(err)
	}

	values := make([]string, len(held))
	errs := make([]error, len(held))
	l.each(ctx, held, func(ctx context.Context, i int, s store.Store) {
		v, ok, err := s.Get(ctx, l.key)
		if err != nil {
			errs[i] = err
			return
		}
		if ok {
			values[i] = v
		}
	})

	var matches, unreachable int
	for i := range held {
		switch {
		case errs[i] != nil:
			unreachable++
			l.storeError("status", i, errs[i])
		case values[i] == token:
			matches++
		}
	}
	l.setErr(stdErrors.Join(errs...))

	switch {
	case matches >= l.quorum:
		return StatusAcquired, nil
	case matches+unreachable >= l.quorum:
		return StatusUnknown, nil
	}
	return StatusFree, nil
}
