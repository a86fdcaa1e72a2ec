// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quadrant-vms/core/internal/model"
	"github.com/quadrant-vms/core/internal/registry"
	"github.com/quadrant-vms/core/internal/store"
)

func testCaps() registry.Caps {
	return registry.Caps{Stream: 10, Recording: 10, AiTask: 10}
}

func TestSweepOnceDeletesOrphanWithNoLiveLease(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.New(st, testCaps())
	ctx := context.Background()

	inst := model.ResourceInstance{
		ResourceID:    "res-1",
		Kind:          model.KindStream,
		State:         model.StateError,
		UpdatedAtUnix: time.Now().Add(-2 * time.Minute).Unix(),
	}
	require.NoError(t, st.UpsertResource(ctx, inst))

	r := New(st, reg, time.Second, 60)
	r.sweepOnce(ctx)

	_, err := st.GetResource(ctx, model.KindStream, "res-1")
	require.Error(t, err, "orphan past the grace window should be deleted")
}

func TestSweepOnceSparesResourceWithLiveLease(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.New(st, testCaps())
	ctx := context.Background()

	lease := model.Lease{
		LeaseID:       "lease-1",
		ResourceID:    "res-2",
		Kind:          model.KindRecording,
		HolderID:      "node-a",
		ExpiresAtUnix: time.Now().Add(time.Hour).Unix(),
		Version:       1,
	}
	require.NoError(t, st.PutLease(ctx, lease))

	inst := model.ResourceInstance{
		ResourceID:    "res-2",
		Kind:          model.KindRecording,
		State:         model.StateRunning,
		LeaseID:       "lease-1",
		UpdatedAtUnix: time.Now().Add(-2 * time.Minute).Unix(),
	}
	require.NoError(t, st.UpsertResource(ctx, inst))

	r := New(st, reg, time.Second, 60)
	r.sweepOnce(ctx)

	_, err := st.GetResource(ctx, model.KindRecording, "res-2")
	require.NoError(t, err, "a resource with a live lease must never be reaped")
}

func TestSweepOnceSparesResourceWithinGraceWindow(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.New(st, testCaps())
	ctx := context.Background()

	inst := model.ResourceInstance{
		ResourceID:    "res-3",
		Kind:          model.KindAiTask,
		State:         model.StateError,
		UpdatedAtUnix: time.Now().Unix(),
	}
	require.NoError(t, st.UpsertResource(ctx, inst))

	r := New(st, reg, time.Second, 90)
	r.sweepOnce(ctx)

	_, err := st.GetResource(ctx, model.KindAiTask, "res-3")
	require.NoError(t, err, "a resource updated moments ago is still within its grace window")
}

// TestSweepOnceSparesOrphanStillLiveInRegistry covers the TOCTOU window
// spec §4.6 calls out: the durable store's ListOrphans snapshot can lag
// the in-memory Lease Registry (e.g. a renew landed in the registry after
// the store-level expiry check ran). The Reaper must re-check the
// orphan's own lease_id against the live registry immediately before
// deleting, not trust the snapshot alone.
func TestSweepOnceSparesOrphanStillLiveInRegistry(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.New(st, testCaps())
	ctx := context.Background()

	lease, err := reg.Acquire(ctx, model.KindStream, "res-4", "node-a", time.Hour)
	require.NoError(t, err)

	// Simulate the store-level row disappearing (e.g. evicted, or the
	// store's own clock already considers it expired) while the registry,
	// the spec's authoritative source for TTL decisions, still holds it.
	require.NoError(t, st.DeleteLease(ctx, lease.LeaseID))

	inst := model.ResourceInstance{
		ResourceID:    "res-4",
		Kind:          model.KindStream,
		State:         model.StateRunning,
		LeaseID:       lease.LeaseID,
		UpdatedAtUnix: time.Now().Add(-2 * time.Minute).Unix(),
	}
	require.NoError(t, st.UpsertResource(ctx, inst))

	r := New(st, reg, time.Second, 60)
	r.sweepOnce(ctx)

	_, err = st.GetResource(ctx, model.KindStream, "res-4")
	require.NoError(t, err, "a lease_id still live in the registry must block the delete even if the store's own snapshot called it an orphan")
}
