// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package worker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	vmserrors "github.com/quadrant-vms/core/internal/errors"
	"github.com/quadrant-vms/core/internal/model"
	"github.com/quadrant-vms/core/internal/store"
)

// Manager is the bounded concurrent resource manager for a single kind
// (spec §4.5: "Each worker hosts a bounded concurrent manager per kind it
// supports"). Exceeding maxConcurrent rejects new work with a Capacity
// error rather than degrading silently.
type Manager struct {
	nodeID        string
	kind          model.Kind
	maxConcurrent int
	factory       PipelineFactory
	st            store.StateStore
	renewer       LeaseRenewer
	ttl           time.Duration

	// startLimiter paces how fast new pipelines are launched so a burst
	// of simultaneous starts (e.g. after a crash-recovery sweep) doesn't
	// spike host CPU/IO all at once.
	startLimiter *rate.Limiter

	mu      sync.Mutex
	loops   map[string]*controlLoop
}

func NewManager(nodeID string, kind model.Kind, maxConcurrent int, ttl time.Duration, factory PipelineFactory, st store.StateStore, renewer LeaseRenewer) *Manager {
	return &Manager{
		nodeID:        nodeID,
		kind:          kind,
		maxConcurrent: maxConcurrent,
		factory:       factory,
		st:            st,
		renewer:       renewer,
		ttl:           ttl,
		startLimiter:  rate.NewLimiter(rate.Limit(5), 5),
		loops:         make(map[string]*controlLoop),
	}
}

// Acquire starts managing resourceID under lease, rejecting with a
// Capacity error if maxConcurrent is already in use. ctx bounds only the
// start-rate wait; the control loop runs on a context that ctx's
// cancellation does not end.
func (m *Manager) Acquire(ctx context.Context, resourceID string, lease model.Lease, cfg []byte) error {
	m.mu.Lock()
	if _, exists := m.loops[resourceID]; exists {
		m.mu.Unlock()
		return vmserrors.New(vmserrors.Conflict, "resource already managed on this node", nil)
	}
	if len(m.loops) >= m.maxConcurrent {
		m.mu.Unlock()
		return vmserrors.New(vmserrors.Capacity, "worker concurrency cap reached for kind", nil)
	}
	m.mu.Unlock()

	if err := m.startLimiter.Wait(ctx); err != nil {
		return vmserrors.New(vmserrors.Unavailable, "start rate limiter wait interrupted", err)
	}

	pipeline, err := m.factory(resourceID, cfg)
	if err != nil {
		return vmserrors.New(vmserrors.Invariant, "construct pipeline", err)
	}

	loop := newControlLoop(m.nodeID, m.kind, resourceID, lease, m.ttl, pipeline, m.st, m.renewer)

	m.mu.Lock()
	if len(m.loops) >= m.maxConcurrent {
		m.mu.Unlock()
		return vmserrors.New(vmserrors.Capacity, "worker concurrency cap reached for kind", nil)
	}
	m.loops[resourceID] = loop
	m.mu.Unlock()

	go func() {
		loop.run(context.WithoutCancel(ctx))
		m.mu.Lock()
		delete(m.loops, resourceID)
		m.mu.Unlock()
	}()
	return nil
}

// RequestStop signals a cooperative drain for resourceID. No-op if the
// resource isn't currently managed here.
func (m *Manager) RequestStop(resourceID string) {
	m.mu.Lock()
	loop, ok := m.loops[resourceID]
	m.mu.Unlock()
	if ok {
		loop.requestStop()
	}
}

// Active lists the resource IDs currently under management.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.loops))
	for id := range m.loops {
		out = append(out, id)
	}
	return out
}

// Len reports the number of resources currently under management.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.loops)
}
