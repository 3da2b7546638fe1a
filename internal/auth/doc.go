// Package auth provides token handling for coven-biogate.
//
// # Lease Tokens
//
// A lease issued by the crypto gate is handed to HTTP callers as an HS256
// JWT:
//
//	jti   lease ID
//	sub   identity
//	scope key scope
//	tkt   verification ticket that authorized the lease
//	exp   lease expiry, rounded up to the next second
//
// The token only locates the lease. Whether it can still be consumed is
// decided by the gate, which tracks single use and session validity.
//
// # Client Tokens
//
// When server.require_client_token is set, every /api request must carry
// a client token:
//
//	Authorization: Bearer <jwt>
//
// RequireClient validates it and stores a ClientContext in the request
// context. Client tokens are minted with `coven-biogate token <name>`.
//
// Both token kinds are signed with crypto.lease_secret, which must be at
// least MinSecretLength bytes. A "typ" claim keeps one kind from being
// accepted as the other.
package auth
