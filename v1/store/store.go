// Package store defines the key-value primitives the lock protocol is built
// on and provides Redis, in-memory and circuit breaker implementations.
//
// Every method of Store must be atomic at the server: a conditional set is a
// single check-and-set, and compare-and-delete / compare-and-extend run as one
// server-side script. Splitting them into a read followed by a write brings
// back the race the lock exists to close.
package store

import (
	"context"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-warplock/v1/errors"
)

// Store is the set of operations a lock needs from a single key-value store.
type Store interface {
	// SetNX sets key to token with the given expiry only if key is absent.
	SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only if its value equals token.
	CompareAndDelete(ctx context.Context, key, token string) (bool, error)
	// CompareAndExtend adds extra to the remaining time-to-live of key only if
	// its value equals token and the key has not expired yet.
	CompareAndExtend(ctx context.Context, key, token string, extra time.Duration) (bool, error)
	// Get returns the current value of key. The boolean reports whether the
	// key was found.
	Get(ctx context.Context, key string) (string, bool, error)
}

// Counter is the shared counter used by the debounced election.
type Counter interface {
	// Incr atomically increments key and returns the new value. A positive
	// ttl refreshes the key expiry.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (string, bool, error)
}

// translate maps transport errors to the shared sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return warperrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return warperrors.ErrConnectionClosed
	}
	return err
}
