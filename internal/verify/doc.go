// Package verify coordinates biometric verifications.
//
// A Coordinator keeps at most one source attempt in flight per identity.
// Callers get a Waiter; every waiter of the same ticket sees the same
// Outcome. Non-terminal sensor failures never resolve a waiter and are
// published on the progress Broadcaster instead. When the last waiter
// withdraws, the source attempt is cancelled exactly once.
//
// Lock order is coordinator shard, then session machine shard.
package verify
