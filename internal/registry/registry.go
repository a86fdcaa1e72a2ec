// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package registry implements the Lease Registry of spec §4.2: the
// in-memory table that is authoritative for TTL decisions on the current
// leader, backed by (but never fully trusting) the durable State Store.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	vmserrors "github.com/quadrant-vms/core/internal/errors"
	"github.com/quadrant-vms/core/internal/log"
	"github.com/quadrant-vms/core/internal/metrics"
	"github.com/quadrant-vms/core/internal/model"
	"github.com/quadrant-vms/core/internal/store"
)

// Caps bounds the number of simultaneously active leases per kind.
type Caps struct {
	Stream    int
	Recording int
	AiTask    int
}

func (c Caps) forKind(kind model.Kind) int {
	switch kind {
	case model.KindStream:
		return c.Stream
	case model.KindRecording:
		return c.Recording
	case model.KindAiTask:
		return c.AiTask
	default:
		return 0
	}
}

// entry is the in-memory per-lease record. Per spec §4.6 ("no lock may
// cross a suspension point"), entry itself carries no lock; all mutation
// happens under Registry.mu and every State Store call happens outside it.
type entry struct {
	lease model.Lease
}

// Registry is the in-memory authoritative Lease Registry. It is only
// meaningful on the current leader; cmd/coordinator guards its routes so
// a follower answers them with Unavailable rather than forwarding them.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]entry
	byKey map[model.ResourceKey]string // (kind,resourceID) -> lease_id

	store store.StateStore
	caps  Caps
}

func New(st store.StateStore, caps Caps) *Registry {
	return &Registry{
		byID:  make(map[string]entry),
		byKey: make(map[model.ResourceKey]string),
		store: st,
		caps:  caps,
	}
}

// Acquire implements spec §4.2 acquire. On Invariant from the State Store
// (the DB uniqueness constraint firing despite a clean in-memory
// pre-check — the split-brain case) the in-memory entry is rolled back
// and Conflict is returned, exactly as written in the spec's guidance.
func (r *Registry) Acquire(ctx context.Context, kind model.Kind, resourceID, holderID string, ttl time.Duration) (model.Lease, error) {
	key := model.ResourceKey{Kind: kind, ResourceID: resourceID}
	now := time.Now()

	r.mu.Lock()
	if existingID, ok := r.byKey[key]; ok {
		if e, ok := r.byID[existingID]; ok && !e.lease.Expired(now) {
			r.mu.Unlock()
			metrics.LeaseAcquireTotal.WithLabelValues(string(kind), "conflict").Inc()
			return model.Lease{}, vmserrors.New(vmserrors.Conflict, "resource already leased", nil)
		}
		r.removeLocked(existingID)
	}
	if r.activeCountLocked(kind) >= r.caps.forKind(kind) {
		r.mu.Unlock()
		metrics.LeaseAcquireTotal.WithLabelValues(string(kind), "capacity").Inc()
		return model.Lease{}, vmserrors.New(vmserrors.Capacity, "lease capacity exceeded for kind", nil)
	}
	r.mu.Unlock()

	lease := model.Lease{
		LeaseID:       uuid.New().String(),
		ResourceID:    resourceID,
		Kind:          kind,
		HolderID:      holderID,
		ExpiresAtUnix: now.Add(ttl).Unix(),
		Version:       1,
	}

	if err := r.store.PutLease(ctx, lease); err != nil {
		if vmserrors.Is(err, vmserrors.Invariant) {
			metrics.LeaseAcquireTotal.WithLabelValues(string(kind), "conflict").Inc()
			return model.Lease{}, vmserrors.New(vmserrors.Conflict, "resource already leased", err)
		}
		metrics.LeaseAcquireTotal.WithLabelValues(string(kind), "error").Inc()
		return model.Lease{}, err
	}

	// Re-check capacity after the suspension point: two concurrent Acquire
	// calls for different resource_ids of the same kind can both pass the
	// pre-check above while at cap-1 and both reach here, so the cap is
	// only actually enforced by this second check under the same lock that
	// commits the entry -- mirroring internal/worker/manager.go's Acquire.
	r.mu.Lock()
	if r.activeCountLocked(kind) >= r.caps.forKind(kind) {
		r.mu.Unlock()
		if derr := r.store.DeleteLease(ctx, lease.LeaseID); derr != nil {
			log.L().Debug().Str("lease_id", lease.LeaseID).Err(derr).Msg("registry: rollback delete failed after capacity recheck")
		}
		metrics.LeaseAcquireTotal.WithLabelValues(string(kind), "capacity").Inc()
		return model.Lease{}, vmserrors.New(vmserrors.Capacity, "lease capacity exceeded for kind", nil)
	}
	r.byID[lease.LeaseID] = entry{lease: lease}
	r.byKey[key] = lease.LeaseID
	r.mu.Unlock()

	metrics.LeaseAcquireTotal.WithLabelValues(string(kind), "ok").Inc()
	metrics.LeaseActiveGauge.WithLabelValues(string(kind)).Set(float64(r.activeCount(kind)))
	return lease, nil
}

// Renew implements spec §4.2 renew. A lease already expired in-memory
// never renews, even if the caller races the sweeper — this is the
// split-brain guard the spec calls "essential".
func (r *Registry) Renew(ctx context.Context, leaseID string, ttl time.Duration) (model.Lease, error) {
	now := time.Now()

	r.mu.RLock()
	e, ok := r.byID[leaseID]
	r.mu.RUnlock()
	if !ok {
		return model.Lease{}, vmserrors.New(vmserrors.Validation, "lease not found", nil)
	}
	if e.lease.Expired(now) {
		return model.Lease{}, vmserrors.New(vmserrors.Expired, "lease already expired", nil)
	}

	newExpiry := now.Add(ttl).Unix()
	updated, err := r.store.RenewLease(ctx, leaseID, newExpiry, e.lease.Version)
	if err != nil {
		metrics.LeaseRenewTotal.WithLabelValues(string(e.lease.Kind), "error").Inc()
		return model.Lease{}, err
	}

	r.mu.Lock()
	r.byID[leaseID] = entry{lease: updated}
	r.mu.Unlock()

	metrics.LeaseRenewTotal.WithLabelValues(string(updated.Kind), "ok").Inc()
	return updated, nil
}

// Release implements spec §4.2 release: idempotent, always succeeds.
func (r *Registry) Release(ctx context.Context, leaseID string) error {
	r.mu.Lock()
	_, existed := r.byID[leaseID]
	r.removeLocked(leaseID)
	r.mu.Unlock()

	if !existed {
		return nil
	}
	return r.store.DeleteLease(ctx, leaseID)
}

func (r *Registry) Get(leaseID string) (model.Lease, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[leaseID]
	if !ok || e.lease.Expired(time.Now()) {
		return model.Lease{}, false
	}
	return e.lease, true
}

// List returns the live (non-expired) leases matching kind and/or
// holderID; either filter may be the zero value to mean "any".
func (r *Registry) List(kind model.Kind, holderID string) []model.Lease {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	var out []model.Lease
	for _, e := range r.byID {
		if e.lease.Expired(now) {
			continue
		}
		if kind != "" && e.lease.Kind != kind {
			continue
		}
		if holderID != "" && e.lease.HolderID != holderID {
			continue
		}
		out = append(out, e.lease)
	}
	return out
}

// Sweep removes in-memory entries whose expiry has passed. It never
// touches the State Store row -- per spec §4.2, expired leases are not
// auto-deleted from the durable record; the Resource Reaper owns that.
func (r *Registry) Sweep() int {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, e := range r.byID {
		if e.lease.Expired(now) {
			r.removeLocked(id)
			removed++
		}
	}
	if removed > 0 {
		metrics.LeaseSweepExpiredTotal.Add(float64(removed))
	}
	return removed
}

// RunSweeper blocks, sweeping at interval until ctx is cancelled. Intended
// to run as a background goroutine on the current leader only.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Registry) removeLocked(leaseID string) {
	e, ok := r.byID[leaseID]
	if !ok {
		return
	}
	key := model.ResourceKey{Kind: e.lease.Kind, ResourceID: e.lease.ResourceID}
	if r.byKey[key] == leaseID {
		delete(r.byKey, key)
	}
	delete(r.byID, leaseID)
}

func (r *Registry) activeCountLocked(kind model.Kind) int {
	now := time.Now()
	n := 0
	for _, e := range r.byID {
		if e.lease.Kind == kind && !e.lease.Expired(now) {
			n++
		}
	}
	return n
}

func (r *Registry) activeCount(kind model.Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeCountLocked(kind)
}
