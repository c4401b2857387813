// Package presets wires stores, a bus and a lock manager for the common
// deployments.
package presets

import (
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-warplock/v1/errors"
	"github.com/mirkobrombin/go-warplock/v1/lock"
	"github.com/mirkobrombin/go-warplock/v1/store"
	"github.com/mirkobrombin/go-warplock/v1/syncbus"
)

const (
	// BreakerThreshold is the number of consecutive store errors that open
	// a quorum member's circuit.
	BreakerThreshold = 3
	// BreakerTimeout is how long an open circuit rejects calls.
	BreakerTimeout = 5 * time.Second
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

func (o RedisOptions) client() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})
}

// Setup is a ready lock manager with the counter and bus it shares.
type Setup struct {
	Manager *lock.Manager
	// Counter backs debounced elections.
	Counter store.Counter
	Bus     syncbus.Bus

	closers []func() error
}

// Close releases the connections opened by the preset.
func (s *Setup) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	return stdErrors.Join(errs...)
}

// NewRedis uses a single Redis server for locks, debounce counters and
// unlock notifications.
func NewRedis(opts RedisOptions, lockOpts ...lock.Option) (*Setup, error) {
	client := opts.client()
	s := store.NewRedisStore(client)
	bus := syncbus.NewRedisBus(client)
	m, err := lock.NewManager([]store.Store{s}, append([]lock.Option{lock.WithBus(bus)}, lockOpts...)...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Setup{
		Manager: m,
		Counter: s,
		Bus:     bus,
		closers: []func() error{bus.Close, client.Close},
	}, nil
}

// NewRedisQuorum spreads every lock over independent Redis servers and
// holds it on a majority of them. Each server sits behind a circuit
// breaker. Counters and notifications use the first server.
func NewRedisQuorum(servers []RedisOptions, lockOpts ...lock.Option) (*Setup, error) {
	if len(servers) == 0 {
		return nil, warperrors.ErrNoStores
	}
	stores := make([]store.Store, len(servers))
	clients := make([]*redis.Client, len(servers))
	var counter *store.RedisStore
	for i, o := range servers {
		clients[i] = o.client()
		rs := store.NewRedisStore(clients[i])
		if i == 0 {
			counter = rs
		}
		stores[i] = store.NewCircuitBreaker(rs, BreakerThreshold, BreakerTimeout)
	}
	bus := syncbus.NewRedisBus(clients[0])
	m, err := lock.NewManager(stores, append([]lock.Option{lock.WithBus(bus)}, lockOpts...)...)
	if err != nil {
		return nil, err
	}
	closers := []func() error{bus.Close}
	for _, c := range clients {
		closers = append(closers, c.Close)
	}
	return &Setup{Manager: m, Counter: counter, Bus: bus, closers: closers}, nil
}

// NewInMemoryStandalone runs entirely inside the process. Useful for local
// development and tests.
func NewInMemoryStandalone(lockOpts ...lock.Option) *Setup {
	s := store.NewInMemoryStore()
	bus := syncbus.NewInMemoryBus()
	m, _ := lock.NewManager([]store.Store{s}, append([]lock.Option{lock.WithBus(bus)}, lockOpts...)...)
	return &Setup{Manager: m, Counter: s, Bus: bus}
}
