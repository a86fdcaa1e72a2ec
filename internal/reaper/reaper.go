// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package reaper implements the Resource Reaper of spec §4.6: a periodic
// sweep correlating State Store rows against the live Lease Registry to
// find and delete orphaned resource instances -- rows whose owning lease
// is gone but whose last-known state was never cleaned up, typically
// because the worker that held it crashed without a chance to tear down.
package reaper

import (
	"context"
	"time"

	"github.com/quadrant-vms/core/internal/log"
	"github.com/quadrant-vms/core/internal/metrics"
	"github.com/quadrant-vms/core/internal/model"
	"github.com/quadrant-vms/core/internal/registry"
	"github.com/quadrant-vms/core/internal/store"
)

// Reaper runs only on the current leader -- the Open Question in spec §9
// ("should the reaper run on every replica or leader-only?") is resolved
// here as leader-only: running it on every replica would have them race
// to delete the same orphan rows, multiplying DeleteResource calls for no
// benefit since the Lease Registry they correlate against exists only on
// the leader anyway.
type Reaper struct {
	store     store.StateStore
	registry  *registry.Registry
	interval  time.Duration
	graceSecs int64
}

// New builds a Reaper. reg is the current leader's live Lease Registry,
// re-checked immediately before every delete to close the window between
// a ListOrphans snapshot and the delete itself (spec §4.6): a start
// request that re-acquires the same resource in between must never have
// its brand-new row reaped out from under it.
func New(st store.StateStore, reg *registry.Registry, interval time.Duration, graceSecs int64) *Reaper {
	return &Reaper{store: st, registry: reg, interval: interval, graceSecs: graceSecs}
}

// Run sweeps at interval until ctx is cancelled. Callers gate this on
// leadership themselves (via cluster.Coordinator's OnBecomeLeader /
// OnResignLeader hooks) rather than Reaper checking leadership itself, so
// the package stays free of a dependency on internal/cluster.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reaper) sweepOnce(ctx context.Context) {
	for _, kind := range model.Kinds() {
		orphans, err := r.store.ListOrphans(ctx, kind, r.graceSecs)
		if err != nil {
			log.L().Warn().Err(err).Str("kind", string(kind)).Msg("reaper: failed to list orphans")
			continue
		}
		for _, o := range orphans {
			if o.Resource.LeaseID != "" {
				if _, live := r.registry.Get(o.Resource.LeaseID); live {
					log.L().Debug().Str("kind", string(kind)).Str("resource_id", o.Resource.ResourceID).
						Msg("reaper: skipping delete, lease_id now live in registry (raced with a fresh acquire)")
					continue
				}
			}
			if err := r.store.DeleteResource(ctx, kind, o.Resource.ResourceID); err != nil {
				log.L().Warn().Err(err).Str("kind", string(kind)).Str("resource_id", o.Resource.ResourceID).Msg("reaper: failed to delete orphan")
				continue
			}
			metrics.ReapedTotal.WithLabelValues(string(kind)).Inc()
			log.L().Info().Str("kind", string(kind)).Str("resource_id", o.Resource.ResourceID).Msg("reaper: deleted orphaned resource instance")
		}
	}
}
