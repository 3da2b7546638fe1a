// Package gateway orchestrates the coven-biogate server components.
//
// # Overview
//
// The gateway owns the SQLite store, the optional Redis preferences client,
// the WebAuthn source, the guard, the lease token signer and both servers.
// It is the only package that reads the configuration as a whole.
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - POST /api/verify - Verify an identity, optionally exchanging it for a lease
//   - GET /api/sessions/{identity} - Session phase and freshness
//   - POST /api/leases - Issue a lease to a freshly verified identity
//   - POST /api/leases/consume - Spend a lease on one seal or open
//   - POST /api/revoke - End a session and drop its leases
//   - GET /api/availability/{identity} - Usable authenticator kinds
//   - GET /api/progress/{identity} - Verification progress (SSE)
//   - GET /api/audit - Audit log
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//
// The WebAuthn source adds the browser-facing verification page and the
// credential enrollment routes. When server.require_client_token is set,
// every /api/ route needs a client bearer token.
//
// # gRPC
//
// Only the standard health service is registered. The service
// "coven.biogate.Verification" reports SERVING until shutdown.
//
// # Listeners
//
// Listeners are plain TCP on server.grpc_addr and server.http_addr, or a
// tsnet node when tailscale.enabled is set. With Funnel the HTTP listener is
// public so phones outside the tailnet can open verification links.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// Run also drives the session, lease, ledger and challenge sweepers.
package gateway
