// ABOUTME: Store interfaces and data types for coven-biogate persistence
// ABOUTME: Covers last-auth preferences, the audit trail and WebAuthn credentials

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateCredential is returned when a credential ID is registered twice
var ErrDuplicateCredential = errors.New("credential already registered")

// Preferences is advisory last-authentication bookkeeping per identity.
type Preferences interface {
	SetLastAuthTime(ctx context.Context, identity string, t time.Time) error
	LastAuthTime(ctx context.Context, identity string) (time.Time, bool, error)
}

// AuditLog is an append-only record of verification and lease activity.
type AuditLog interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// CredentialStore persists WebAuthn credentials keyed by identity.
type CredentialStore interface {
	CreateCredential(ctx context.Context, cred *Credential) error
	ListCredentials(ctx context.Context, identity string) ([]*Credential, error)
	GetCredentialByCredentialID(ctx context.Context, credentialID []byte) (*Credential, error)
	UpdateCredentialUse(ctx context.Context, id string, signCount uint32, usedAt time.Time) error
	DeleteCredential(ctx context.Context, id string) error
}

// Store combines every persistence concern of the gateway.
type Store interface {
	Preferences
	AuditLog
	CredentialStore
	Close() error
}

// Credential is a registered WebAuthn credential.
type Credential struct {
	ID              string
	Identity        string
	CredentialID    []byte
	PublicKey       []byte
	AttestationType string
	Transports      string // JSON array
	AAGUID          []byte
	SignCount       uint32
	BackupEligible  bool
	BackupState     bool
	CreatedAt       time.Time
	LastUsedAt      *time.Time
}
