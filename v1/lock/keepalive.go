package lock

import (
	"context"
	"sync/atomic"
	"time"

	warperrors "github.com/mirkobrombin/go-warplock/v1/errors"
)

// KeepAlive periodically extends a held lock so that work longer than the
// lease stays protected.
type KeepAlive struct {
	lock       *Lock
	interval   time.Duration
	extensions uint64
}

// NewKeepAlive returns a KeepAlive extending l by interval every interval.
// The remaining lease then stays close to its length at acquisition. A
// non-positive interval defaults to a third of the lease.
func NewKeepAlive(l *Lock, interval time.Duration) *KeepAlive {
	if interval <= 0 {
		interval = l.Lease() / 3
	}
	return &KeepAlive{lock: l, interval: interval}
}

// Run extends the lock until ctx ends, returning nil, or until an
// extension is refused, returning ErrLeaseLost. Work protected by the lock
// must stop once Run returns an error.
func (k *KeepAlive) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ok, err := k.lock.Extend(ctx, k.interval)
			if ctx.Err() != nil {
				return nil
			}
			if err != nil || !ok {
				k.lock.options().logger.Warn("lock.keepalive.lost", "key", k.lock.key, "err", k.lock.Err())
				return warperrors.ErrLeaseLost
			}
			atomic.AddUint64(&k.extensions, 1)
		}
	}
}

// Extensions returns the number of successful extensions.
func (k *KeepAlive) Extensions() uint64 {
	return atomic.LoadUint64(&k.extensions)
}
