package lock

import (
	"context"
	stdErrors "errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-warplock/v1/metrics"
	"github.com/mirkobrombin/go-warplock/v1/store"
)

type roundResult struct {
	ok       bool
	acquired int
	held     []store.Store
	validity time.Duration
	err      error
}

// round writes token on every store concurrently and decides whether the
// lock is held. A lost round removes the token from wherever it landed.
func (l *Lock) round(ctx context.Context, o options, token string) roundResult {
	ctx, span := tracer.Start(ctx, "Lock.Round")
	defer span.End()
	metrics.RoundCounter.Inc()

	start := time.Now()
	acked := make([]bool, len(l.stores))
	errs := make([]error, len(l.stores))
	l.each(ctx, l.stores, func(ctx context.Context, i int, s store.Store) {
		acked[i], errs[i] = s.SetNX(ctx, l.key, token, o.lease)
	})
	elapsed := time.Since(start)

	res := roundResult{validity: o.lease - elapsed - drift(o)}
	for i, s := range l.stores {
		if errs[i] != nil {
			l.storeError("acquire", i, errs[i])
			continue
		}
		if acked[i] {
			res.held = append(res.held, s)
		}
	}
	res.acquired = len(res.held)
	res.err = stdErrors.Join(errs...)
	// A single store has no clocks to disagree with; its SET either landed
	// with the full lease or not at all.
	res.ok = res.acquired >= l.quorum && (len(l.stores) == 1 || res.validity > 0)
	span.SetAttributes(
		attribute.Int("warplock.acquired", res.acquired),
		attribute.Int64("warplock.validity_ms", res.validity.Milliseconds()),
	)
	if res.ok {
		return res
	}

	// A store that errored may still have applied the write, which happens
	// mostly when ctx was cancelled mid-flight. The token is ours alone, so
	// deleting it everywhere is safe.
	targets := res.held
	if ctx.Err() != nil {
		targets = l.stores
	}
	l.rollback(ctx, o, token, targets)
	res.held = nil
	return res
}

// drift is the part of the lease reserved for clock drift between stores.
func drift(o options) time.Duration {
	return time.Duration(float64(o.lease)*o.driftFactor) + driftFloor
}

// rollback removes token from targets. It runs detached from ctx so that a
// cancelled acquisition still cleans up.
func (l *Lock) rollback(ctx context.Context, o options, token string, targets []store.Store) {
	if len(targets) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cleanupTimeout)
	defer cancel()
	metrics.RollbackCounter.Inc()
	results, _ := l.fanOut(ctx, targets, "rollback", func(ctx context.Context, s store.Store) (bool, error) {
		return s.CompareAndDelete(ctx, l.key, token)
	})
	o.logger.Debug("lock.acquire.rollback",
		"key", l.key,
		"targets", len(targets),
		"deleted", count(results),
	)
}

// each calls fn for every store concurrently and waits for all of them.
func (l *Lock) each(ctx context.Context, stores []store.Store, fn func(ctx context.Context, i int, s store.Store)) {
	var g errgroup.Group
	for i, s := range stores {
		g.Go(func() error {
			fn(ctx, i, s)
			return nil
		})
	}
	_ = g.Wait()
}

// fanOut runs a conditional operation on every store concurrently. Store
// errors count as refusals and are returned joined.
func (l *Lock) fanOut(ctx context.Context, stores []store.Store, op string, fn func(context.Context, store.Store) (bool, error)) ([]bool, error) {
	results := make([]bool, len(stores))
	errs := make([]error, len(stores))
	l.each(ctx, stores, func(ctx context.Context, i int, s store.Store) {
		results[i], errs[i] = fn(ctx, s)
	})
	for i, err := range errs {
		if err != nil {
			results[i] = false
			l.storeError(op, i, err)
		}
	}
	return results, stdErrors.Join(errs...)
}

func (l *Lock) storeError(op string, i int, err error) {
	metrics.StoreErrorCounter.Inc()
	l.options().logger.Warn("lock.store_error",
		"op", op,
		"key", l.key,
		"store", i,
		"err", err,
	)
}

func count(results []bool) int {
	n := 0
	for _, ok := range results {
		if ok {
			n++
		}
	}
	return n
}
