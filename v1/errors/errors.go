// Package errors holds the sentinel errors shared by the warplock packages.
package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrCircuitOpen is returned by a store whose circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTokenGeneration wraps failures of the lease token source. It is a
	// setup defect, never a contention outcome.
	ErrTokenGeneration = errors.New("warplock: token generation failed")
	// ErrInvalidLease is returned when a lease or extension is shorter than a
	// millisecond, or a quorum lease does not exceed the drift allowance.
	ErrInvalidLease = errors.New("warplock: invalid lease")
	// ErrLockUsed is returned by Acquire on a lock that already went through
	// an acquisition. Locks are single use.
	ErrLockUsed = errors.New("warplock: lock already used")
	// ErrNoStores is returned when a manager is built without stores.
	ErrNoStores = errors.New("warplock: at least one store is required")
	// ErrLeaseLost is returned by a keepalive whose extension was refused.
	ErrLeaseLost = errors.New("warplock: lease lost")
)
