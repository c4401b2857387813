package lock

import (
	"context"

	warperrors "github.com/mirkobrombin/go-warplock/v1/errors"
	"github.com/mirkobrombin/go-warplock/v1/store"
)

// Manager creates locks that span a fixed set of independent stores. A lock
// is held when a majority of the stores accepted it.
type Manager struct {
	stores []store.Store
	opts   []Option
}

// NewManager returns a Manager over stores. The options become the defaults
// of every lock it creates.
func NewManager(stores []store.Store, opts ...Option) (*Manager, error) {
	if len(stores) == 0 {
		return nil, warperrors.ErrNoStores
	}
	return &Manager{
		stores: append([]store.Store(nil), stores...),
		opts:   opts,
	}, nil
}

// Stores returns the stores of the manager.
func (m *Manager) Stores() []store.Store {
	return append([]store.Store(nil), m.stores...)
}

// Quorum returns the number of stores a lock must win.
func (m *Manager) Quorum() int {
	return len(m.stores)/2 + 1
}

// NewLock returns an unacquired lock on key.
func (m *Manager) NewLock(key string, opts ...Option) *Lock {
	all := make([]Option, 0, len(m.opts)+len(opts))
	all = append(all, m.opts...)
	all = append(all, opts...)
	return newLock(m.stores, key, all)
}

// Acquire creates a lock on key and acquires it. opts apply to the lock
// for its whole life, Release and Extend included. The returned lock is
// ACQUIRED or FAILED unless an error is returned.
func (m *Manager) Acquire(ctx context.Context, key string, opts ...Option) (*Lock, error) {
	l := m.NewLock(key, opts...)
	if _, err := l.Acquire(ctx); err != nil {
		return l, err
	}
	return l, nil
}
