package store

import (
	"context"
	"sync"
	"time"

	warperrors "github.com/mirkobrombin/go-warplock/v1/errors"
)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreakerStore decorates a Store with circuit breaker logic. Only
// transport errors count as failures; a lost conditional set is a normal
// answer from a healthy store.
type CircuitBreakerStore struct {
	store     Store
	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

var _ Store = (*CircuitBreakerStore)(nil)

// NewCircuitBreaker returns a new CircuitBreakerStore that opens after
// threshold consecutive failures and probes again after timeout.
func NewCircuitBreaker(s Store, threshold int, timeout time.Duration) *CircuitBreakerStore {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreakerStore{
		store:     s,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true unless the circuit is open and still cooling down.
func (cb *CircuitBreakerStore) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow reports whether a call may go through, moving an expired open
// circuit to half-open. Only one probe runs while half-open.
func (cb *CircuitBreakerStore) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	}
	return false
}

func (cb *CircuitBreakerStore) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.state = stateClosed
		cb.failures = 0
		return
	}
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

// SetNX implements Store.SetNX with circuit breaker logic.
func (cb *CircuitBreakerStore) SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if !cb.allow() {
		return false, warperrors.ErrCircuitOpen
	}
	ok, err := cb.store.SetNX(ctx, key, token, ttl)
	cb.record(err)
	return ok, err
}

// CompareAndDelete implements Store.CompareAndDelete with circuit breaker logic.
func (cb *CircuitBreakerStore) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	if !cb.allow() {
		return false, warperrors.ErrCircuitOpen
	}
	ok, err := cb.store.CompareAndDelete(ctx, key, token)
	cb.record(err)
	return ok, err
}

// CompareAndExtend implements Store.CompareAndExtend with circuit breaker logic.
func (cb *CircuitBreakerStore) CompareAndExtend(ctx context.Context, key, token string, extra time.Duration) (bool, error) {
	if !cb.allow() {
		return false, warperrors.ErrCircuitOpen
	}
	ok, err := cb.store.CompareAndExtend(ctx, key, token, extra)
	cb.record(err)
	return ok, err
}

// Get implements Store.Get with circuit breaker logic.
func (cb *CircuitBreakerStore) Get(ctx context.Context, key string) (string, bool, error) {
	if !cb.allow() {
		return "", false, warperrors.ErrCircuitOpen
	}
	v, ok, err := cb.store.Get(ctx, key)
	cb.record(err)
	return v, ok, err
}
