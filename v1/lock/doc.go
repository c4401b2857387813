// Package lock implements lease-based distributed locks on top of one or
// more key-value stores.
//
// A Lock is acquired by writing a fresh random token under its key with an
// expiry, on every store at once. The acquisition holds when a majority of
// the stores accepted the write and enough of the lease is left once the
// clock drift allowance and the time spent talking to the stores are taken
// away. A single store is simply a quorum of one.
//
// The token is the only proof of ownership. Release and Extend run atomic
// compare-and-delete and compare-and-extend scripts, so a holder whose lease
// expired cannot remove or prolong a lock that someone else acquired since.
// Release and Extend touch only the stores that accepted the acquisition
// and report success only when all of them agree.
//
// Lease expiry happens on the stores and nothing fires locally when it does:
// State reports what this process last did, Status asks the stores. The
// answer of Status may already be stale when it returns. Work protected by a
// lock must fit in the lease, or extend it in time, and must pass the token
// to downstream systems that can reject stale writers.
//
// Store errors never fail a call on their own. A store that cannot be
// reached counts as a lost vote during acquisition and as a refusal during
// Release and Extend; the errors of the latest operation are kept in Err so
// callers can tell a busy lock from an unreachable store.
//
// A Lock is single use and meant for one caller at a time.
package lock
