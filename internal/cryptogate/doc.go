// Package cryptogate releases key-vault handles to callers that verified
// recently enough.
//
// IssueLease requires the identity to be Verified and inside the binding
// window, which is shorter than the session TTL. A Lease is consumed once
// through Consume, which returns a Grant whose Use runs a single operation
// with the handle. Consumed and expired lease IDs are remembered in a
// dedupe.Cache so they cannot be replayed.
package cryptogate
