// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vmserrors "github.com/quadrant-vms/core/internal/errors"
	"github.com/quadrant-vms/core/internal/model"
	"github.com/quadrant-vms/core/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	return New(st, Caps{Stream: 2, Recording: 2, AiTask: 2})
}

func TestAcquireRejectsConflictingResource(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Acquire(ctx, model.KindStream, "res-1", "node-a", time.Minute)
	require.NoError(t, err)

	_, err = r.Acquire(ctx, model.KindStream, "res-1", "node-b", time.Minute)
	require.Error(t, err)
	assert.True(t, vmserrors.Is(err, vmserrors.Conflict))
}

func TestAcquireEnforcesPerKindCapacity(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Acquire(ctx, model.KindStream, "res-1", "node-a", time.Minute)
	require.NoError(t, err)
	_, err = r.Acquire(ctx, model.KindStream, "res-2", "node-a", time.Minute)
	require.NoError(t, err)

	_, err = r.Acquire(ctx, model.KindStream, "res-3", "node-a", time.Minute)
	require.Error(t, err)
	assert.True(t, vmserrors.Is(err, vmserrors.Capacity))
}

func TestRenewNeverRenewsAnExpiredLease(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	lease, err := r.Acquire(ctx, model.KindStream, "res-1", "node-a", -time.Second)
	require.NoError(t, err)

	_, err = r.Renew(ctx, lease.LeaseID, time.Minute)
	require.Error(t, err)
	assert.True(t, vmserrors.Is(err, vmserrors.Expired))
}

func TestReleaseIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	lease, err := r.Acquire(ctx, model.KindStream, "res-1", "node-a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, r.Release(ctx, lease.LeaseID))
	require.NoError(t, r.Release(ctx, lease.LeaseID))

	_, ok := r.Get(lease.LeaseID)
	assert.False(t, ok)
}

func TestSweepRemovesOnlyInMemoryExpiredEntries(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Acquire(ctx, model.KindStream, "res-1", "node-a", -time.Second)
	require.NoError(t, err)

	removed := r.Sweep()
	assert.Equal(t, 1, removed)
	assert.Len(t, r.List(model.KindStream, ""), 0)
}

func TestAcquireAfterReleaseReusesTheResourceSlot(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	lease, err := r.Acquire(ctx, model.KindStream, "res-1", "node-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, r.Release(ctx, lease.LeaseID))

	_, err = r.Acquire(ctx, model.KindStream, "res-1", "node-b", time.Minute)
	require.NoError(t, err)
}
