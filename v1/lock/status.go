package lock

// Status is the state of a lock, either local or reported by the stores.
type Status string

const (
	// StatusCreated is a lock that was never acquired.
	StatusCreated Status = "CREATED"
	// StatusAcquired is a lock whose token is recorded as owner.
	StatusAcquired Status = "ACQUIRED"
	// StatusFailed is a lock that ran out of attempts.
	StatusFailed Status = "FAILED"
	// StatusReleased is a lock its owner declared done.
	StatusReleased Status = "RELEASED"

	// StatusFree is reported by Status when the stores no longer hold the
	// token of the lock.
	StatusFree Status = "FREE"
	// StatusUnknown is reported by Status when too many stores could not be
	// reached to decide.
	StatusUnknown Status = "UNKNOWN"
)
