package store

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const defaultRedisOpTimeout = 5 * time.Second

// RedisStore implements Store and Counter on top of a single Redis endpoint.
type RedisStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

var (
	_ Store   = (*RedisStore)(nil)
	_ Counter = (*RedisStore)(nil)
)

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, timeout: o.timeout}
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() redis.UniversalClient {
	return s.client
}

func (s *RedisStore) opContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, translate(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return cctx, cancel, nil
}

// SetNX implements Store.SetNX with SET NX PX.
func (s *RedisStore) SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	ok, err := s.client.SetNX(cctx, key, token, ttl).Result()
	if err != nil {
		return false, translate(err)
	}
	return ok, nil
}

// CompareAndDelete implements Store.CompareAndDelete with a Lua script.
func (s *RedisStore) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := releaseScript.Run(cctx, s.client, []string{key}, token).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, translate(err)
	}
	return n == 1, nil
}

// CompareAndExtend implements Store.CompareAndExtend with a Lua script.
// The extension is applied with millisecond precision.
func (s *RedisStore) CompareAndExtend(ctx context.Context, key, token string, extra time.Duration) (bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := extendScript.Run(cctx, s.client, []string{key}, token, extra.Milliseconds()).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, translate(err)
	}
	return n == 1, nil
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return "", false, err
	}
	defer cancel()
	v, err := s.client.Get(cctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, translate(err)
	}
	return v, true, nil
}

// Incr implements Counter.Incr. INCR and PEXPIRE run in one transaction.
func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(cctx, key)
	if ttl > 0 {
		pipe.PExpire(cctx, key, ttl)
	}
	if _, err := pipe.Exec(cctx); err != nil {
		return 0, translate(err)
	}
	return incr.Val(), nil
}

// TTL returns the remaining time-to-live of key, or zero when the key is
// missing or has no expiry.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	d, err := s.client.PTTL(cctx, key).Result()
	if err != nil {
		return 0, translate(err)
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// counterString renders a counter value the way Redis stores it.
func counterString(n int64) string {
	return strconv.FormatInt(n, 10)
}
