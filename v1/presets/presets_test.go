package presets

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	warperrors "github.com/mirkobrombin/go-warplock/v1/errors"
	"github.com/mirkobrombin/go-warplock/v1/lock"
	"github.com/mirkobrombin/go-warplock/v1/store"
)

var quiet = lock.WithLogger(slog.New(slog.DiscardHandler))

func TestNewInMemoryStandalone(t *testing.T) {
	s := NewInMemoryStandalone(quiet)
	defer s.Close()
	ctx := context.Background()

	l, err := s.Manager.Acquire(ctx, "foo", lock.WithLease(time.Minute))
	if err != nil || l.State() != lock.StatusAcquired {
		t.Fatalf("acquire: %s %v", l.State(), err)
	}
	other, _ := s.Manager.Acquire(ctx, "foo", lock.WithRetry(1, 0))
	if other.State() != lock.StatusFailed {
		t.Fatalf("expected FAILED, got %s", other.State())
	}
	if _, err := s.Counter.Incr(ctx, "debounce:foo", time.Minute); err != nil {
		t.Fatalf("incr: %v", err)
	}
}

func TestNewRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	s, err := NewRedis(RedisOptions{Addr: mr.Addr()}, quiet)
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	l, err := s.Manager.Acquire(ctx, "foo", lock.WithLease(time.Second))
	if err != nil || l.State() != lock.StatusAcquired {
		t.Fatalf("acquire: %s %v", l.State(), err)
	}
	if got, _ := mr.Get("foo"); got != l.Token() {
		t.Fatalf("expected token in redis, got %q", got)
	}
	if ok, _ := l.Release(ctx); !ok {
		t.Fatal("release failed")
	}
}

func TestNewRedisQuorum(t *testing.T) {
	var servers []RedisOptions
	var mrs []*miniredis.Miniredis
	for i := 0; i < 3; i++ {
		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("miniredis run: %v", err)
		}
		defer mr.Close()
		mrs = append(mrs, mr)
		servers = append(servers, RedisOptions{Addr: mr.Addr()})
	}

	s, err := NewRedisQuorum(servers, quiet)
	if err != nil {
		t.Fatalf("new quorum: %v", err)
	}
	defer s.Close()

	stores := s.Manager.Stores()
	if len(stores) != 3 {
		t.Fatalf("expected 3 stores, got %d", len(stores))
	}
	for _, st := range stores {
		if _, ok := st.(*store.CircuitBreakerStore); !ok {
			t.Fatalf("expected circuit breaker, got %T", st)
		}
	}

	mrs[2].Close()
	l, err := s.Manager.Acquire(context.Background(), "foo", lock.WithRetry(1, 0))
	if err != nil || l.State() != lock.StatusAcquired {
		t.Fatalf("acquire with one server down: %s %v", l.State(), err)
	}
	if len(l.Held()) != 2 {
		t.Fatalf("expected 2 held stores, got %d", len(l.Held()))
	}
}

func TestNewRedisQuorumRequiresServers(t *testing.T) {
	if _, err := NewRedisQuorum(nil); !stdErrors.Is(err, warperrors.ErrNoStores) {
		t.Fatalf("expected ErrNoStores, got %v", err)
	}
}
