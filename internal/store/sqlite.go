// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists preferences, audit entries and credentials with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		-- Advisory last-authentication bookkeeping
		CREATE TABLE IF NOT EXISTS auth_preferences (
			identity     TEXT PRIMARY KEY,
			last_auth_at TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS auth_audit (
			audit_id    TEXT PRIMARY KEY,
			identity    TEXT NOT NULL,
			action      TEXT NOT NULL,
			ticket_id   TEXT,
			lease_id    TEXT,
			scope       TEXT,
			result      TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT,

			CHECK (action IN (
				'verification',
				'lease_issued',
				'lease_denied',
				'lease_consumed',
				'revoke',
				'credential_registered'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON auth_audit(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_identity ON auth_audit(identity);

		-- WebAuthn credentials for platform authenticators
		CREATE TABLE IF NOT EXISTS webauthn_credentials (
			id               TEXT PRIMARY KEY,
			identity         TEXT NOT NULL,
			credential_id    BLOB UNIQUE NOT NULL,
			public_key       BLOB NOT NULL,
			attestation_type TEXT,
			transports       TEXT,
			aaguid           BLOB,
			sign_count       INTEGER DEFAULT 0,
			created_at       TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_webauthn_identity ON webauthn_credentials(identity);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string // Query to check if migration is needed
		apply  string // Query to apply the migration
		column string // Column name for logging
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('webauthn_credentials') WHERE name = 'backup_eligible'`,
			apply:  `ALTER TABLE webauthn_credentials ADD COLUMN backup_eligible INTEGER NOT NULL DEFAULT 0`,
			column: "backup_eligible",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('webauthn_credentials') WHERE name = 'backup_state'`,
			apply:  `ALTER TABLE webauthn_credentials ADD COLUMN backup_state INTEGER NOT NULL DEFAULT 0`,
			column: "backup_state",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('webauthn_credentials') WHERE name = 'last_used_at'`,
			apply:  `ALTER TABLE webauthn_credentials ADD COLUMN last_used_at TEXT`,
			column: "last_used_at",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			// Column already exists, skip
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to webauthn_credentials: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "webauthn_credentials")
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SetLastAuthTime records when identity last verified successfully.
func (s *SQLiteStore) SetLastAuthTime(ctx context.Context, identity string, t time.Time) error {
	query := `
		INSERT INTO auth_preferences (identity, last_auth_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			last_auth_at = excluded.last_auth_at,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		identity,
		t.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving last auth time: %w", err)
	}

	s.logger.Debug("saved last auth time", "identity", identity)
	return nil
}

// LastAuthTime returns when identity last verified successfully. The bool is
// false if it never has.
func (s *SQLiteStore) LastAuthTime(ctx context.Context, identity string) (time.Time, bool, error) {
	var ts string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_auth_at FROM auth_preferences WHERE identity = ?`, identity,
	).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("querying last auth time: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing last_auth_at: %w", err)
	}
	return t, true, nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString converts an empty string to NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
