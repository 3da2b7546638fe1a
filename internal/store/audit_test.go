// ABOUTME: Tests for audit log store operations
// ABOUTME: Covers Append and List with filtering for the auth_audit table

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditStore_Append(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	entry := &AuditEntry{
		Identity: "alice",
		Action:   AuditVerification,
		TicketID: "ticket-1",
		Detail:   map[string]any{"kind": "fingerprint"},
	}

	err := store.AppendAuditLog(ctx, entry)
	require.NoError(t, err)

	// Should have generated ID, timestamp and default result
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())
	assert.Equal(t, "success", entry.Result)
}

func TestAuditStore_RoundTripOptionalFields(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendAuditLog(ctx, &AuditEntry{
		Identity: "alice",
		Action:   AuditLeaseIssued,
		LeaseID:  "lease-1",
		Scope:    "payments",
		Detail:   map[string]any{"mode": "timed"},
	}))
	require.NoError(t, store.AppendAuditLog(ctx, &AuditEntry{
		Identity: "alice",
		Action:   AuditRevoke,
		Result:   "logout",
	}))

	entries, err := store.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byAction := map[AuditAction]AuditEntry{}
	for _, e := range entries {
		byAction[e.Action] = e
	}
	issued := byAction[AuditLeaseIssued]
	assert.Equal(t, "lease-1", issued.LeaseID)
	assert.Equal(t, "payments", issued.Scope)
	assert.Empty(t, issued.TicketID)
	assert.Equal(t, "timed", issued.Detail["mode"])

	revoke := byAction[AuditRevoke]
	assert.Equal(t, "logout", revoke.Result)
	assert.Nil(t, revoke.Detail)
}

func TestAuditStore_List_NoFilter(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i, action := range []AuditAction{AuditVerification, AuditLeaseIssued, AuditLeaseConsumed} {
		entry := &AuditEntry{
			Identity:  "alice",
			Action:    action,
			LeaseID:   generateTestID("lease", i),
			Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.AppendAuditLog(ctx, entry))
	}

	entries, err := store.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	// Should be newest first
	assert.Equal(t, AuditLeaseConsumed, entries[0].Action)
}

func TestAuditStore_List_BySince(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	baseTime := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		entry := &AuditEntry{
			Identity:  "alice",
			Action:    AuditVerification,
			TicketID:  generateTestID("ticket", i),
			Timestamp: baseTime.Add(time.Duration(i) * 10 * time.Minute),
		}
		require.NoError(t, store.AppendAuditLog(ctx, entry))
	}

	// Filter to entries after 15 minutes in
	since := baseTime.Add(15 * time.Minute)
	entries, err := store.ListAuditLog(ctx, AuditFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, entries, 1) // Only entry at 20 minutes
}

func TestAuditStore_List_ByIdentity(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i, identity := range []string{"alice", "bob", "alice"} {
		entry := &AuditEntry{
			Identity: identity,
			Action:   AuditVerification,
			TicketID: generateTestID("ticket", i),
		}
		require.NoError(t, store.AppendAuditLog(ctx, entry))
	}

	identity := "alice"
	entries, err := store.ListAuditLog(ctx, AuditFilter{Identity: &identity})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	for _, e := range entries {
		assert.Equal(t, "alice", e.Identity)
	}
}

func TestAuditStore_List_ByAction(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	actions := []AuditAction{AuditLeaseIssued, AuditLeaseDenied, AuditLeaseIssued}
	for i, action := range actions {
		entry := &AuditEntry{
			Identity: "alice",
			Action:   action,
			LeaseID:  generateTestID("lease", i),
		}
		require.NoError(t, store.AppendAuditLog(ctx, entry))
	}

	action := AuditLeaseIssued
	entries, err := store.ListAuditLog(ctx, AuditFilter{Action: &action})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	for _, e := range entries {
		assert.Equal(t, AuditLeaseIssued, e.Action)
	}
}

func TestAuditStore_List_Pagination(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		entry := &AuditEntry{
			Identity: "alice",
			Action:   AuditVerification,
			TicketID: generateTestID("ticket", i),
		}
		require.NoError(t, store.AppendAuditLog(ctx, entry))
	}

	entries, err := store.ListAuditLog(ctx, AuditFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestAuditStore_RejectsUnknownAction(t *testing.T) {
	store := setupTestStore(t)

	err := store.AppendAuditLog(context.Background(), &AuditEntry{
		Identity: "alice",
		Action:   AuditAction("format_disk"),
	})
	assert.Error(t, err)
}
