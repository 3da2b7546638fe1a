// Package session holds the per-identity authentication state machine and
// the clock policy that expires it.
//
// # States
//
//	Unverified -> Pending        new verification request
//	Verified   -> Pending        re-verification to refresh freshness
//	Expired    -> Pending
//	Revoked    -> Pending
//	Pending    -> Verified       source success for the pending ticket
//	Pending    -> Unverified     failure or cancellation (or back to a prior
//	                             Expired/Revoked state)
//	Verified   -> Expired        session TTL reached (sweeper)
//	any        -> Revoked        explicit revoke
//
// Queries (State, Verified, IsVerified) never transition. IsVerified still
// refuses a Verified state whose TTL has passed even if the sweeper has not
// run yet.
//
// # Locking
//
// Identities are hashed onto a fixed set of shards, each with its own mutex,
// so transitions for one identity are serialized while unrelated identities
// proceed in parallel.
package session
