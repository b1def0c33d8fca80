//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "gatekeeper/pkg/platform/audit"
	"gatekeeper/pkg/platform/tx"
	"gatekeeper/pkg/testutil/containers"
)

func TestPostgresStoreIntegration_AppendAndList(t *testing.T) {
	ctx := context.Background()
	pc := containers.NewPostgresContainer(t)

	store, err := NewWithDB(pc.DB)
	require.NoError(t, err)

	first := audit.Event{
		Category:  audit.CategorySecurity,
		Timestamp: time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC),
		Action:    audit.ActionPasswordReset,
		UserID:    "user-1",
		Username:  "alice",
		ActorID:   "admin-1",
		RequestID: "req-1",
		IP:        "10.0.0.4",
	}
	second := audit.Event{
		Category:  audit.CategoryOperations,
		Timestamp: time.Date(2026, 3, 15, 11, 0, 0, 0, time.UTC),
		Action:    audit.ActionTokenIssued,
		UserID:    "user-1",
		Username:  "alice",
		RequestID: "req-2",
	}
	other := audit.Event{
		Category:  audit.CategoryOperations,
		Timestamp: time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC),
		Action:    audit.ActionLogout,
		UserID:    "user-2",
	}

	require.NoError(t, store.Append(ctx, second))
	require.NoError(t, store.Append(ctx, first))
	require.NoError(t, store.Append(ctx, other))

	events, err := store.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Oldest first regardless of insertion order.
	assert.Equal(t, audit.ActionPasswordReset, events[0].Action)
	assert.Equal(t, "admin-1", events[0].ActorID)
	assert.Equal(t, "alice", events[0].Username)
	assert.Equal(t, "10.0.0.4", events[0].IP)
	assert.Equal(t, audit.ActionTokenIssued, events[1].Action)
	assert.True(t, events[0].Timestamp.Before(events[1].Timestamp))

	events, err = store.ListByUser(ctx, "user-3")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPostgresStoreIntegration_AppendJoinsTransaction(t *testing.T) {
	ctx := context.Background()
	pc := containers.NewPostgresContainer(t)

	store, err := NewWithDB(pc.DB)
	require.NoError(t, err)

	event := audit.Event{
		Category:  audit.CategoryCompliance,
		Timestamp: time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC),
		Action:    audit.ActionUserCreated,
		UserID:    "tx-user",
	}

	dbtx, err := pc.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.Append(tx.WithTx(ctx, dbtx), event))
	require.NoError(t, dbtx.Rollback())

	events, err := store.ListByUser(ctx, "tx-user")
	require.NoError(t, err)
	assert.Empty(t, events, "rolled-back event must not be visible")

	dbtx, err = pc.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.Append(tx.WithTx(ctx, dbtx), event))
	require.NoError(t, dbtx.Commit())

	events, err = store.ListByUser(ctx, "tx-user")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
