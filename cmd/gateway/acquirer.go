// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"context"
	"sync"
	"time"

	"github.com/quadrant-vms/core/internal/model"
	"github.com/quadrant-vms/core/internal/registry"
)

// remoteLeaseAcquirer satisfies gateway.LeaseAcquirer by re-resolving the
// current leader on every call and delegating to a registry.Client built
// against it. main wires it in unconditionally; the Gateway binary holds
// no Registry of its own.
type remoteLeaseAcquirer struct {
	resolver *leaderResolver

	mu       sync.Mutex
	lastAddr string
	last     *registry.Client
}

func newRemoteLeaseAcquirer(resolver *leaderResolver) *remoteLeaseAcquirer {
	return &remoteLeaseAcquirer{resolver: resolver}
}

func (a *remoteLeaseAcquirer) client(ctx context.Context) (*registry.Client, error) {
	addr, err := a.resolver.resolve(ctx)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil || a.lastAddr != addr {
		a.last = registry.NewClient(addr)
		a.lastAddr = addr
	}
	return a.last, nil
}

func (a *remoteLeaseAcquirer) Acquire(ctx context.Context, kind model.Kind, resourceID, holderID string, ttl time.Duration) (model.Lease, error) {
	c, err := a.client(ctx)
	if err != nil {
		return model.Lease{}, err
	}
	return c.Acquire(ctx, kind, resourceID, holderID, ttl)
}

func (a *remoteLeaseAcquirer) Release(ctx context.Context, leaseID string) error {
	c, err := a.client(ctx)
	if err != nil {
		return err
	}
	return c.Release(ctx, leaseID)
}

// Get satisfies gateway.LeaseAcquirer's synchronous, error-less shape by
// falling back to "not found" on any resolution or transport failure --
// acceptable here because Get is only ever used for the Gateway's own
// read-your-write checks, never as the acquire path's source of truth.
func (a *remoteLeaseAcquirer) Get(leaseID string) (model.Lease, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := a.client(ctx)
	if err != nil {
		return model.Lease{}, false
	}
	lease, err := c.Get(ctx, leaseID)
	if err != nil {
		return model.Lease{}, false
	}
	return lease, true
}
