// ABOUTME: WebAuthn credential persistence for the platform-authenticator source
// ABOUTME: Credentials are keyed by identity; sign counts are updated after each assertion

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const credentialColumns = `id, identity, credential_id, public_key, attestation_type, transports, aaguid,
	sign_count, backup_eligible, backup_state, created_at, last_used_at`

// CreateCredential stores a new WebAuthn credential.
func (s *SQLiteStore) CreateCredential(ctx context.Context, cred *Credential) error {
	query := `
		INSERT INTO webauthn_credentials (` + credentialColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`

	_, err := s.db.ExecContext(ctx, query,
		cred.ID,
		cred.Identity,
		cred.CredentialID,
		cred.PublicKey,
		cred.AttestationType,
		nullString(cred.Transports),
		cred.AAGUID,
		cred.SignCount,
		cred.BackupEligible,
		cred.BackupState,
		cred.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateCredential
		}
		return fmt.Errorf("inserting webauthn credential: %w", err)
	}

	s.logger.Info("created webauthn credential", "id", cred.ID, "identity", cred.Identity)
	return nil
}

// scanCredential scans a row into a Credential.
func scanCredential(scanner interface{ Scan(dest ...any) error }) (*Credential, error) {
	var cred Credential
	var createdAtStr string
	var transports, lastUsed sql.NullString

	if err := scanner.Scan(
		&cred.ID,
		&cred.Identity,
		&cred.CredentialID,
		&cred.PublicKey,
		&cred.AttestationType,
		&transports,
		&cred.AAGUID,
		&cred.SignCount,
		&cred.BackupEligible,
		&cred.BackupState,
		&createdAtStr,
		&lastUsed,
	); err != nil {
		return nil, err
	}

	cred.Transports = transports.String
	var err error
	cred.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if lastUsed.Valid {
		t, err := time.Parse(time.RFC3339, lastUsed.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_used_at: %w", err)
		}
		cred.LastUsedAt = &t
	}
	return &cred, nil
}

// ListCredentials retrieves all WebAuthn credentials for an identity.
func (s *SQLiteStore) ListCredentials(ctx context.Context, identity string) ([]*Credential, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM webauthn_credentials
		WHERE identity = ?
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, identity)
	if err != nil {
		return nil, fmt.Errorf("querying webauthn credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var creds []*Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning webauthn credential: %w", err)
		}
		creds = append(creds, cred)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating webauthn credentials: %w", err)
	}

	return creds, nil
}

// GetCredentialByCredentialID retrieves a WebAuthn credential by its credential ID.
func (s *SQLiteStore) GetCredentialByCredentialID(ctx context.Context, credentialID []byte) (*Credential, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM webauthn_credentials
		WHERE credential_id = ?
	`

	cred, err := scanCredential(s.db.QueryRowContext(ctx, query, credentialID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying webauthn credential: %w", err)
	}
	return cred, nil
}

// UpdateCredentialUse records a successful assertion.
func (s *SQLiteStore) UpdateCredentialUse(ctx context.Context, id string, signCount uint32, usedAt time.Time) error {
	query := `UPDATE webauthn_credentials SET sign_count = ?, last_used_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, signCount, usedAt.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating webauthn credential: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteCredential deletes a WebAuthn credential.
func (s *SQLiteStore) DeleteCredential(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM webauthn_credentials WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting webauthn credential: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Info("deleted webauthn credential", "id", id)
	return nil
}
