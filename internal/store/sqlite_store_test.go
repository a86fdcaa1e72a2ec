// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vmserrors "github.com/quadrant-vms/core/internal/errors"
	"github.com/quadrant-vms/core/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLitePutLeaseRejectsConflictingActiveLease(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutLease(ctx, model.Lease{
		LeaseID: "l1", ResourceID: "cam-1", Kind: model.KindStream,
		HolderID: "node-a", ExpiresAtUnix: time.Now().Add(time.Hour).Unix(), Version: 1,
	}))

	err := st.PutLease(ctx, model.Lease{
		LeaseID: "l2", ResourceID: "cam-1", Kind: model.KindStream,
		HolderID: "node-b", ExpiresAtUnix: time.Now().Add(time.Hour).Unix(), Version: 1,
	})
	require.Error(t, err)
	assert.True(t, vmserrors.Is(err, vmserrors.Invariant))
}

// TestSQLitePutLeaseAllowsReacquireAfterExpiry is the exact scenario the
// review flagged: a static unique index on (kind, resource_id) would keep
// rejecting every later acquire forever, contrary to spec §8 scenario 3
// ("a fresh start request succeeds and produces a new lease_id").
func TestSQLitePutLeaseAllowsReacquireAfterExpiry(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutLease(ctx, model.Lease{
		LeaseID: "l1", ResourceID: "cam-1", Kind: model.KindStream,
		HolderID: "node-a", ExpiresAtUnix: time.Now().Add(-time.Minute).Unix(), Version: 1,
	}))

	err := st.PutLease(ctx, model.Lease{
		LeaseID: "l2", ResourceID: "cam-1", Kind: model.KindStream,
		HolderID: "node-b", ExpiresAtUnix: time.Now().Add(time.Hour).Unix(), Version: 1,
	})
	require.NoError(t, err, "a lease whose predecessor already expired must be re-acquirable")

	lease, err := st.GetLease(ctx, "l2")
	require.NoError(t, err)
	assert.Equal(t, "node-b", lease.HolderID)
}

func TestSQLiteRenewLeaseRejectsStaleVersion(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutLease(ctx, model.Lease{
		LeaseID: "l1", ResourceID: "cam-1", Kind: model.KindStream,
		HolderID: "node-a", ExpiresAtUnix: time.Now().Add(time.Hour).Unix(), Version: 1,
	}))

	_, err := st.RenewLease(ctx, "l1", time.Now().Add(2*time.Hour).Unix(), 99)
	require.Error(t, err)
	assert.True(t, vmserrors.Is(err, vmserrors.Conflict))

	updated, err := st.RenewLease(ctx, "l1", time.Now().Add(2*time.Hour).Unix(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
}

func TestSQLiteDeleteLeaseIsIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.DeleteLease(ctx, "does-not-exist"))
}

func TestSQLiteUpsertResourceThenGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	inst := model.ResourceInstance{
		ResourceID: "cam-1", Kind: model.KindStream, State: model.StateRunning,
		HolderNodeID: "node-a", LeaseID: "l1", UpdatedAtUnix: time.Now().Unix(),
	}
	require.NoError(t, st.UpsertResource(ctx, inst))

	got, err := st.GetResource(ctx, model.KindStream, "cam-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, got.State)
	assert.Equal(t, "node-a", got.HolderNodeID)
}

func TestSQLiteGetResourceNotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetResource(context.Background(), model.KindStream, "missing")
	require.Error(t, err)
	assert.True(t, vmserrors.Is(err, vmserrors.Validation))
}

func TestSQLiteListResourcesByKindExcludesOtherKinds(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertResource(ctx, model.ResourceInstance{
		ResourceID: "cam-1", Kind: model.KindStream, State: model.StateRunning, UpdatedAtUnix: time.Now().Unix(),
	}))
	require.NoError(t, st.UpsertResource(ctx, model.ResourceInstance{
		ResourceID: "cam-2", Kind: model.KindStream, State: model.StateStarting, UpdatedAtUnix: time.Now().Unix(),
	}))
	require.NoError(t, st.UpsertResource(ctx, model.ResourceInstance{
		ResourceID: "rec-1", Kind: model.KindRecording, State: model.StateRunning, UpdatedAtUnix: time.Now().Unix(),
	}))

	out, err := st.ListResourcesByKind(ctx, model.KindStream)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestSQLiteListResourcesByHolder(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertResource(ctx, model.ResourceInstance{
		ResourceID: "cam-1", Kind: model.KindStream, State: model.StateRunning,
		HolderNodeID: "node-a", UpdatedAtUnix: time.Now().Unix(),
	}))
	require.NoError(t, st.UpsertResource(ctx, model.ResourceInstance{
		ResourceID: "cam-2", Kind: model.KindStream, State: model.StateStopped, UpdatedAtUnix: time.Now().Unix(),
	}))

	out, err := st.ListResourcesByHolder(ctx, "node-a")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "cam-1", out[0].ResourceID)
}

func TestSQLiteListOrphansExcludesResourceWithLiveLease(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutLease(ctx, model.Lease{
		LeaseID: "l1", ResourceID: "cam-1", Kind: model.KindStream,
		HolderID: "node-a", ExpiresAtUnix: time.Now().Add(time.Hour).Unix(), Version: 1,
	}))
	require.NoError(t, st.UpsertResource(ctx, model.ResourceInstance{
		ResourceID: "cam-1", Kind: model.KindStream, State: model.StateRunning,
		LeaseID: "l1", UpdatedAtUnix: time.Now().Add(-time.Hour).Unix(),
	}))
	require.NoError(t, st.UpsertResource(ctx, model.ResourceInstance{
		ResourceID: "cam-2", Kind: model.KindStream, State: model.StateError,
		LeaseID: "l2", UpdatedAtUnix: time.Now().Add(-time.Hour).Unix(),
	}))

	orphans, err := st.ListOrphans(ctx, model.KindStream, 60)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "cam-2", orphans[0].Resource.ResourceID)
}

func TestSQLiteDeleteResourceIsIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.DeleteResource(ctx, model.KindStream, "does-not-exist"))
}
