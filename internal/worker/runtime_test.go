// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vmserrors "github.com/quadrant-vms/core/internal/errors"
	"github.com/quadrant-vms/core/internal/model"
	"github.com/quadrant-vms/core/internal/store"
)

type fakePipeline struct {
	mu       sync.Mutex
	started  bool
	stopped  bool
	doneCh   chan error
	extra    json.RawMessage
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{doneCh: make(chan error, 1)}
}

func (p *fakePipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	return nil
}

func (p *fakePipeline) Stop() error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	select {
	case p.doneCh <- nil:
	default:
	}
	return nil
}

func (p *fakePipeline) Done() <-chan error { return p.doneCh }

func (p *fakePipeline) Extensions(ctx context.Context) (json.RawMessage, error) {
	return p.extra, nil
}

type fakeRenewer struct {
	mu       sync.Mutex
	released []string
}

func (f *fakeRenewer) Renew(ctx context.Context, leaseID string, ttl time.Duration) (model.Lease, error) {
	return model.Lease{LeaseID: leaseID, ExpiresAtUnix: time.Now().Add(ttl).Unix(), Version: 2}, nil
}

func (f *fakeRenewer) Release(ctx context.Context, leaseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, leaseID)
	return nil
}

func TestManagerAcquireEnforcesConcurrencyCap(t *testing.T) {
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	factory := func(resourceID string, cfg json.RawMessage) (Pipeline, error) {
		return newFakePipeline(), nil
	}
	m := NewManager("node-a", model.KindStream, 1, time.Minute, factory, st, &fakeRenewer{})

	ctx := context.Background()
	require.NoError(t, st.UpsertResource(ctx, model.ResourceInstance{ResourceID: "r1", Kind: model.KindStream, State: model.StateStarting}))
	require.NoError(t, st.UpsertResource(ctx, model.ResourceInstance{ResourceID: "r2", Kind: model.KindStream, State: model.StateStarting}))

	require.NoError(t, m.Acquire(ctx, "r1", model.Lease{LeaseID: "l1"}, nil))

	err := m.Acquire(ctx, "r2", model.Lease{LeaseID: "l2"}, nil)
	require.Error(t, err)
	assert.True(t, vmserrors.Is(err, vmserrors.Capacity))
}

func TestManagerAcquireRejectsDuplicateResource(t *testing.T) {
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	factory := func(resourceID string, cfg json.RawMessage) (Pipeline, error) {
		return newFakePipeline(), nil
	}
	m := NewManager("node-a", model.KindStream, 5, time.Minute, factory, st, &fakeRenewer{})

	ctx := context.Background()
	require.NoError(t, st.UpsertResource(ctx, model.ResourceInstance{ResourceID: "r1", Kind: model.KindStream, State: model.StateStarting}))
	require.NoError(t, m.Acquire(ctx, "r1", model.Lease{LeaseID: "l1"}, nil))

	err := m.Acquire(ctx, "r1", model.Lease{LeaseID: "l1-again"}, nil)
	require.Error(t, err)
	assert.True(t, vmserrors.Is(err, vmserrors.Conflict))
}

func TestControlLoopTransitionsToRunningThenStoppedOnRequestStop(t *testing.T) {
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	require.NoError(t, st.UpsertResource(ctx, model.ResourceInstance{ResourceID: "r1", Kind: model.KindStream, State: model.StateStarting}))

	pipeline := newFakePipeline()
	loop := newControlLoop("node-a", model.KindStream, "r1", model.Lease{LeaseID: "l1"}, time.Hour, pipeline, st, &fakeRenewer{})

	done := make(chan struct{})
	go func() {
		loop.run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		inst, err := st.GetResource(ctx, model.KindStream, "r1")
		return err == nil && inst.State == model.StateRunning
	}, time.Second, 10*time.Millisecond)

	loop.requestStop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("control loop never finished after requestStop")
	}

	inst, err := st.GetResource(ctx, model.KindStream, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StateStopped, inst.State)
	assert.Empty(t, inst.HolderNodeID)
}

func TestControlLoopReleasesLeaseWhenPipelineCrashes(t *testing.T) {
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	require.NoError(t, st.UpsertResource(ctx, model.ResourceInstance{ResourceID: "r1", Kind: model.KindStream, State: model.StateStarting}))

	pipeline := newFakePipeline()
	renewer := &fakeRenewer{}
	loop := newControlLoop("node-a", model.KindStream, "r1", model.Lease{LeaseID: "l1"}, time.Hour, pipeline, st, renewer)

	done := make(chan struct{})
	go func() {
		loop.run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		inst, err := st.GetResource(ctx, model.KindStream, "r1")
		return err == nil && inst.State == model.StateRunning
	}, time.Second, 10*time.Millisecond)

	// Simulate the side-effect pipeline exiting unexpectedly, not a
	// requested stop.
	pipeline.doneCh <- nil

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("control loop never finished after pipeline crash")
	}

	inst, err := st.GetResource(ctx, model.KindStream, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StateError, inst.State)

	renewer.mu.Lock()
	released := append([]string(nil), renewer.released...)
	renewer.mu.Unlock()
	assert.Equal(t, []string{"l1"}, released, "fail() must release the lease immediately on a pipeline crash, not wait for TTL expiry")
}

func TestRuntimeRecoverMarksRunningResourcesError(t *testing.T) {
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	require.NoError(t, st.UpsertResource(ctx, model.ResourceInstance{
		ResourceID: "r1", Kind: model.KindStream, State: model.StateRunning,
		HolderNodeID: "node-a", LeaseID: "l1",
	}))

	factory := func(resourceID string, cfg json.RawMessage) (Pipeline, error) {
		return newFakePipeline(), nil
	}
	renewer := &fakeRenewer{}
	rt := New("node-a", st, Caps{Stream: 2, Recording: 2, AiTask: 2}, time.Minute, Factories{Stream: factory, Recording: factory, AiTask: factory}, renewer)

	require.NoError(t, rt.Recover(ctx))

	inst, err := st.GetResource(ctx, model.KindStream, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StateError, inst.State)
	assert.Equal(t, "worker restart", inst.LastError)
	assert.Empty(t, inst.HolderNodeID)
}

func TestRuntimeRecoverIsIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	require.NoError(t, st.UpsertResource(ctx, model.ResourceInstance{
		ResourceID: "r1", Kind: model.KindStream, State: model.StateStarting,
		HolderNodeID: "node-a", LeaseID: "l1",
	}))

	factory := func(resourceID string, cfg json.RawMessage) (Pipeline, error) {
		return newFakePipeline(), nil
	}
	rt := New("node-a", st, Caps{Stream: 2, Recording: 2, AiTask: 2}, time.Minute, Factories{Stream: factory, Recording: factory, AiTask: factory}, &fakeRenewer{})

	require.NoError(t, rt.Recover(ctx))
	require.NoError(t, rt.Recover(ctx))

	inst, err := st.GetResource(ctx, model.KindStream, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StateError, inst.State)
}
