// Package store provides persistent storage for the biogate using SQLite.
//
// # Architecture
//
// The store package is interface-driven:
//
//   - Preferences: advisory last-auth bookkeeping per identity
//   - AuditLog: append-only trail of verifications, leases and revokes
//   - CredentialStore: WebAuthn credentials backing the platform source
//   - Store: all of the above plus Close
//
// SQLiteStore implements every interface in a single struct. RedisPreferences
// is an alternate Preferences backend for deployments that run several
// gateways against one identity population.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Timestamps are stored as RFC3339 text. Columns added after the first
// release are applied by runMigrations, which checks pragma_table_info so
// reopening an existing database is safe.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateCredential: credential ID already registered
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests in other packages and a temp-dir
// SQLiteStore for integration tests.
package store
