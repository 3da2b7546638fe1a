// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	lastAuth    map[string]time.Time   // keyed by identity
	audit       []AuditEntry           // in append order
	credentials map[string]*Credential // keyed by ID
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		lastAuth:    make(map[string]time.Time),
		credentials: make(map[string]*Credential),
	}
}

// SetLastAuthTime records the last auth time for identity.
func (m *MockStore) SetLastAuthTime(ctx context.Context, identity string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAuth[identity] = t
	return nil
}

// LastAuthTime returns the last auth time for identity.
func (m *MockStore) LastAuthTime(ctx context.Context, identity string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.lastAuth[identity]
	return t, ok, nil
}

// AppendAuditLog appends a copy of e.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prepareAuditEntry(e)
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns matching entries newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.Timestamp.After(*f.Until) {
			continue
		}
		if f.Identity != nil && e.Identity != *f.Identity {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		out = append(out, e)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit := normalizeAuditLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateCredential stores a copy of cred.
func (m *MockStore) CreateCredential(ctx context.Context, cred *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.credentials {
		if bytes.Equal(c.CredentialID, cred.CredentialID) {
			return ErrDuplicateCredential
		}
	}
	c := *cred
	m.credentials[c.ID] = &c
	return nil
}

// ListCredentials returns copies of identity's credentials, oldest first.
func (m *MockStore) ListCredentials(ctx context.Context, identity string) ([]*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Credential
	for _, c := range m.credentials {
		if c.Identity == identity {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// GetCredentialByCredentialID looks up a credential by its authenticator ID.
func (m *MockStore) GetCredentialByCredentialID(ctx context.Context, credentialID []byte) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.credentials {
		if bytes.Equal(c.CredentialID, credentialID) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// UpdateCredentialUse records a successful assertion.
func (m *MockStore) UpdateCredentialUse(ctx context.Context, id string, signCount uint32, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.credentials[id]
	if !ok {
		return ErrNotFound
	}
	c.SignCount = signCount
	c.LastUsedAt = &usedAt
	return nil
}

// DeleteCredential removes a credential.
func (m *MockStore) DeleteCredential(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.credentials[id]; !ok {
		return ErrNotFound
	}
	delete(m.credentials, id)
	return nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}
