package lock

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	warperrors "github.com/mirkobrombin/go-warplock/v1/errors"
	"github.com/mirkobrombin/go-warplock/v1/store"
	"github.com/mirkobrombin/go-warplock/v1/syncbus"
)

func newQuorum(t *testing.T, n int) ([]store.Store, []*miniredis.Miniredis) {
	t.Helper()
	stores := make([]store.Store, n)
	servers := make([]*miniredis.Miniredis, n)
	for i := range stores {
		stores[i], servers[i] = newMiniredisStore(t)
	}
	return stores, servers
}

func TestNewManagerRequiresStores(t *testing.T) {
	if _, err := NewManager(nil); !stdErrors.Is(err, warperrors.ErrNoStores) {
		t.Fatalf("expected ErrNoStores, got %v", err)
	}
}

func TestManagerQuorumSize(t *testing.T) {
	for n, want := range map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3} {
		stores := make([]store.Store, n)
		for i := range stores {
			stores[i] = store.NewInMemoryStore()
		}
		m, err := NewManager(stores)
		if err != nil {
			t.Fatalf("new manager: %v", err)
		}
		if m.Quorum() != want {
			t.Fatalf("quorum of %d: expected %d, got %d", n, want, m.Quorum())
		}
	}
}

func TestQuorumAllStores(t *testing.T) {
	stores, servers := newQuorum(t, 5)
	m, err := NewManager(stores, WithLease(time.Second), quiet)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ctx := context.Background()

	l, err := m.Acquire(ctx, "k")
	if err != nil || l.State() != StatusAcquired {
		t.Fatalf("acquire: %s %v", l.State(), err)
	}
	if len(l.Held()) != 5 {
		t.Fatalf("expected 5 held stores, got %d", len(l.Held()))
	}
	for i, mr := range servers {
		if got, _ := mr.Get("k"); got != l.Token() {
			t.Fatalf("store %d holds %q, want shared token %q", i, got, l.Token())
		}
	}

	other, _ := m.Acquire(ctx, "k", WithRetry(1, 0))
	if other.State() != StatusFailed {
		t.Fatalf("second quorum acquire: %s", other.State())
	}

	if ok, _ := l.Release(ctx); !ok {
		t.Fatal("release failed")
	}
	for i, mr := range servers {
		if mr.Exists("k") {
			t.Fatalf("store %d still holds the key", i)
		}
	}
}

func TestQuorumSurvivesMinorityFailure(t *testing.T) {
	stores, servers := newQuorum(t, 5)
	servers[0].Close()
	servers[1].Close()

	m, _ := NewManager(stores, WithLease(5*time.Second), quiet)
	ctx := context.Background()
	l, err := m.Acquire(ctx, "k", WithRetry(1, 0))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if l.State() != StatusAcquired {
		t.Fatalf("expected ACQUIRED with 3 of 5 stores, got %s", l.State())
	}
	if len(l.Held()) != 3 {
		t.Fatalf("expected 3 held stores, got %d", len(l.Held()))
	}
	if l.Err() == nil {
		t.Fatal("expected unreachable stores in Err")
	}

	// Release and extend only address the stores that hold the lock.
	if ok, _ := l.Extend(ctx, time.Second); !ok {
		t.Fatal("extend on held stores failed")
	}
	if ok, _ := l.Release(ctx); !ok {
		t.Fatal("release on held stores failed")
	}
	for _, mr := range servers[2:] {
		if mr.Exists("k") {
			t.Fatal("key left on a held store")
		}
	}
}

func TestQuorumFailsAndRollsBack(t *testing.T) {
	stores, servers := newQuorum(t, 5)
	for _, mr := range servers[:3] {
		mr.Close()
	}

	m, _ := NewManager(stores, WithLease(5*time.Second), quiet)
	l, err := m.Acquire(context.Background(), "k", WithRetry(2, 10*time.Millisecond))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if l.State() != StatusFailed {
		t.Fatalf("expected FAILED with 2 of 5 stores, got %s", l.State())
	}
	if len(l.Held()) != 0 || l.Token() != "" {
		t.Fatal("failed lock kept stores or token")
	}
	for i, mr := range servers[3:] {
		if mr.Exists("k") {
			t.Fatalf("live store %d kept a partial acquisition", i+3)
		}
	}
}

func TestQuorumContendedRoundRollsBack(t *testing.T) {
	stores, servers := newQuorum(t, 3)
	// Another client already owns the key on two stores.
	servers[0].Set("k", "someone-else")
	servers[1].Set("k", "someone-else")

	m, _ := NewManager(stores, quiet)
	l, err := m.Acquire(context.Background(), "k", WithRetry(1, 0))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if l.State() != StatusFailed {
		t.Fatalf("expected FAILED, got %s", l.State())
	}
	if servers[2].Exists("k") {
		t.Fatal("partial acquisition left on the free store")
	}
	for _, mr := range servers[:2] {
		if got, _ := mr.Get("k"); got != "someone-else" {
			t.Fatal("rollback touched a key owned by another client")
		}
	}
	if l.Err() != nil {
		t.Fatalf("contention reported as store error: %v", l.Err())
	}
}

func TestQuorumReleaseNeedsUnanimity(t *testing.T) {
	stores, servers := newQuorum(t, 3)
	m, _ := NewManager(stores, quiet)
	ctx := context.Background()

	l, _ := m.Acquire(ctx, "k")
	if l.State() != StatusAcquired {
		t.Fatalf("acquire: %s", l.State())
	}
	servers[0].Del("k")

	if ok, _ := l.Extend(ctx, time.Second); ok {
		t.Fatal("extend succeeded while a held store lost the key")
	}
	ok, err := l.Release(ctx)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok {
		t.Fatal("release reported success without every held store")
	}
	if l.State() != StatusReleased {
		t.Fatalf("expected RELEASED, got %s", l.State())
	}
	for _, mr := range servers[1:] {
		if mr.Exists("k") {
			t.Fatal("release skipped a store that confirmed")
		}
	}
}

func TestQuorumStatus(t *testing.T) {
	stores, servers := newQuorum(t, 5)
	m, _ := NewManager(stores, WithLease(time.Minute), quiet)
	ctx := context.Background()

	l, _ := m.Acquire(ctx, "k")
	if l.State() != StatusAcquired {
		t.Fatalf("acquire: %s", l.State())
	}

	servers[0].Close()
	servers[1].Close()
	if st, _ := l.Status(ctx); st != StatusAcquired {
		t.Fatalf("expected ACQUIRED with 3 matching stores, got %s", st)
	}

	servers[2].Close()
	if st, _ := l.Status(ctx); st != StatusUnknown {
		t.Fatalf("expected UNKNOWN with 3 unreachable stores, got %s", st)
	}

	servers[3].FastForward(2 * time.Minute)
	servers[4].FastForward(2 * time.Minute)
	if st, _ := l.Status(ctx); st != StatusUnknown {
		t.Fatalf("expected UNKNOWN while a majority cannot answer, got %s", st)
	}
}

func TestQuorumStatusFreeAfterExpiry(t *testing.T) {
	stores, servers := newQuorum(t, 3)
	m, _ := NewManager(stores, WithLease(time.Second), quiet)
	ctx := context.Background()

	l, _ := m.Acquire(ctx, "k")
	for _, mr := range servers {
		mr.FastForward(2 * time.Second)
	}
	if st, _ := l.Status(ctx); st != StatusFree {
		t.Fatalf("expected FREE, got %s", st)
	}
}

func TestManagerOptionsLayering(t *testing.T) {
	stores, servers := newQuorum(t, 3)
	m, _ := NewManager(stores, WithLease(time.Second), quiet)
	ctx := context.Background()

	l := m.NewLock("k", WithLease(2*time.Second))
	if ok, _ := l.Acquire(ctx); !ok {
		t.Fatal("acquire failed")
	}
	for _, mr := range servers {
		if ttl := mr.TTL("k"); ttl != 2*time.Second {
			t.Fatalf("expected lock option to win, ttl %v", ttl)
		}
	}
}

func TestQuorumLeaseMustExceedDrift(t *testing.T) {
	stores, servers := newQuorum(t, 3)
	m, _ := NewManager(stores, quiet)

	l, err := m.Acquire(context.Background(), "k", WithLease(2*time.Millisecond))
	if !stdErrors.Is(err, warperrors.ErrInvalidLease) {
		t.Fatalf("expected ErrInvalidLease, got %v", err)
	}
	if l.State() != StatusCreated {
		t.Fatalf("expected CREATED, got %s", l.State())
	}
	for i, mr := range servers {
		if mr.Exists("k") {
			t.Fatalf("store %d written for a lease below the drift allowance", i)
		}
	}
}

func TestManagerAcquireOptionsOutliveAcquire(t *testing.T) {
	mem := store.NewInMemoryStore()
	bus := syncbus.NewInMemoryBus()
	m, _ := NewManager([]store.Store{mem}, quiet)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "k", WithBus(bus))
	if err != nil || l.State() != StatusAcquired {
		t.Fatalf("acquire: state %s err %v", l.State(), err)
	}
	if ok, _ := l.Release(ctx); !ok {
		t.Fatal("release failed")
	}
	if got := bus.Metrics().Published; got != 2 {
		t.Fatalf("expected lock and unlock events on the per-call bus, got %d", got)
	}
}
