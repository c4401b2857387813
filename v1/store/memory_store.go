package store

import (
	"context"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type entry struct {
	value   string
	expires time.Time // zero means no expiry
}

func (e entry) live(now time.Time) bool {
	return e.expires.IsZero() || now.Before(e.expires)
}

// InMemoryStore implements Store and Counter inside the current process.
// Every operation runs inside xsync's per-key Compute, which gives the same
// single-step atomicity Redis scripts give. Expired keys are dropped lazily.
type InMemoryStore struct {
	items *xsync.MapOf[string, entry]
	now   func() time.Time
}

var (
	_ Store   = (*InMemoryStore)(nil)
	_ Counter = (*InMemoryStore)(nil)
)

// InMemoryOption configures an InMemoryStore.
type InMemoryOption func(*InMemoryStore)

// WithClock replaces the wall clock used for expiry.
func WithClock(now func() time.Time) InMemoryOption {
	return func(s *InMemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInMemoryStore returns an empty InMemoryStore.
func NewInMemoryStore(opts ...InMemoryOption) *InMemoryStore {
	s := &InMemoryStore{items: xsync.NewMapOf[string, entry](), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetNX implements Store.SetNX.
func (s *InMemoryStore) SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, translate(err)
	}
	now := s.now()
	set := false
	s.items.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if loaded && old.live(now) {
			return old, false
		}
		set = true
		e := entry{value: token}
		if ttl > 0 {
			e.expires = now.Add(ttl)
		}
		return e, false
	})
	return set, nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *InMemoryStore) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, translate(err)
	}
	now := s.now()
	deleted := false
	s.items.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if !loaded {
			return old, true
		}
		if !old.live(now) {
			return old, true
		}
		if old.value != token {
			return old, false
		}
		deleted = true
		return old, true
	})
	return deleted, nil
}

// CompareAndExtend implements Store.CompareAndExtend.
func (s *InMemoryStore) CompareAndExtend(ctx context.Context, key, token string, extra time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, translate(err)
	}
	now := s.now()
	extended := false
	s.items.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if !loaded || !old.live(now) {
			return old, true
		}
		if old.value != token || old.expires.IsZero() {
			return old, false
		}
		extended = true
		old.expires = old.expires.Add(extra)
		return old, false
	})
	return extended, nil
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, translate(err)
	}
	e, ok := s.items.Load(key)
	if !ok || !e.live(s.now()) {
		return "", false, nil
	}
	return e.value, true, nil
}

// Incr implements Counter.Incr.
func (s *InMemoryStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, translate(err)
	}
	now := s.now()
	var (
		n        int64
		parseErr error
	)
	s.items.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if loaded && old.live(now) {
			cur, err := strconv.ParseInt(old.value, 10, 64)
			if err != nil {
				parseErr = err
				return old, false
			}
			n = cur
		}
		n++
		e := entry{value: counterString(n), expires: old.expires}
		if !loaded || !old.live(now) {
			e.expires = time.Time{}
		}
		if ttl > 0 {
			e.expires = now.Add(ttl)
		}
		return e, false
	})
	if parseErr != nil {
		return 0, parseErr
	}
	return n, nil
}

// TTL returns the remaining time-to-live of key, or zero when the key is
// missing or has no expiry.
func (s *InMemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, translate(err)
	}
	e, ok := s.items.Load(key)
	now := s.now()
	if !ok || !e.live(now) || e.expires.IsZero() {
		return 0, nil
	}
	return e.expires.Sub(now), nil
}
