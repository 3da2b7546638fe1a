// Package guard is the caller-facing API of coven-biogate.
//
// A Guard owns the per-identity session state machine, the single-flight
// verification coordinator and the crypto gate. Callers ask it to verify an
// identity, check whether a verification is still fresh, and exchange a
// fresh verification for a lease on one vault operation:
//
//	out, err := g.RequestVerification(ctx, "alice", biometric.DefaultPolicy())
//	lease, err := g.IssueLease(ctx, "alice", "signing")
//	grant, err := g.Consume(ctx, lease.ID)
//	err = grant.Use(func(h keyvault.Handle) error { ... })
//
// AuthorizeCrypto combines the last two steps and reuses a verification that
// is still inside the binding window.
//
// Resolved verifications, lease decisions and revocations are appended to the
// audit log. Every operation opens an OpenTelemetry span.
package guard
