// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package worker

import (
	"context"
	"net/http"
	"time"

	"github.com/quadrant-vms/core/internal/log"
	"github.com/quadrant-vms/core/internal/metrics"
	"github.com/quadrant-vms/core/internal/model"
	"github.com/quadrant-vms/core/internal/store"
)

// Factories bundles the per-kind PipelineFactory a Runtime dispatches to.
type Factories struct {
	Stream    PipelineFactory
	Recording PipelineFactory
	AiTask    PipelineFactory
}

// Caps bounds the number of simultaneously managed resources per kind on
// this node (spec §4.5 MAX_CONCURRENT_*).
type Caps struct {
	Stream    int
	Recording int
	AiTask    int
}

// Runtime is the Worker Runtime binary's core: one Manager per kind, a
// crash-recovery sweep run once at startup, and health endpoints.
type Runtime struct {
	nodeID string
	st     store.StateStore

	managers map[model.Kind]*Manager
}

// New constructs a Runtime. ttl is the lease TTL new resources are
// started with; renewer talks to whichever node currently holds the
// coordinator leadership.
func New(nodeID string, st store.StateStore, caps Caps, ttl time.Duration, factories Factories, renewer LeaseRenewer) *Runtime {
	return &Runtime{
		nodeID: nodeID,
		st:     st,
		managers: map[model.Kind]*Manager{
			model.KindStream:    NewManager(nodeID, model.KindStream, caps.Stream, ttl, factories.Stream, st, renewer),
			model.KindRecording: NewManager(nodeID, model.KindRecording, caps.Recording, ttl, factories.Recording, st, renewer),
			model.KindAiTask:    NewManager(nodeID, model.KindAiTask, caps.AiTask, ttl, factories.AiTask, st, renewer),
		},
	}
}

// Manager returns the per-kind manager, e.g. for the Gateway-facing
// dispatch path that routes a start/stop intent to the right one.
func (r *Runtime) Manager(kind model.Kind) *Manager {
	return r.managers[kind]
}

// Recover implements spec §4.5 "Crash recovery on worker startup": every
// resource this node was holding before a restart is marked Error, since
// side effects never survive a worker process crash in this design.
// Idempotent -- running it twice in a row on an already-recovered node is
// a no-op.
func (r *Runtime) Recover(ctx context.Context) error {
	instances, err := r.st.ListResourcesByHolder(ctx, r.nodeID)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	for _, inst := range instances {
		if inst.State != model.StateStarting && inst.State != model.StateRunning {
			continue // Stopping/Stopped/Error rows are the Reaper's concern
		}

		log.L().Warn().Str("resource_id", inst.ResourceID).Str("kind", string(inst.Kind)).Msg("worker: marking resource Error after restart")
		inst.State = model.StateError
		inst.LastError = "worker restart"
		inst.StoppedAtUnix = now
		inst.UpdatedAtUnix = now
		inst.ClearOwnership()
		if err := r.st.UpsertResource(ctx, inst); err != nil {
			return err
		}
		metrics.RecoveryMarkedErrorTotal.Inc()

		if inst.LeaseID != "" {
			_ = releaseBestEffort(ctx, r, inst)
		}
	}
	return nil
}

// releaseBestEffort tries to release the lease tied to a recovered
// resource. Failure is logged, not fatal -- the lease will simply expire
// on its own, which is the spec's explicit fallback ("best-effort; may
// already be expired").
func releaseBestEffort(ctx context.Context, r *Runtime, inst model.ResourceInstance) error {
	releaser, ok := r.managers[inst.Kind].renewer.(interface {
		Release(ctx context.Context, leaseID string) error
	})
	if !ok {
		return nil
	}
	if err := releaser.Release(ctx, inst.LeaseID); err != nil {
		log.L().Debug().Str("resource_id", inst.ResourceID).Err(err).Msg("worker: best-effort lease release failed during recovery")
	}
	return nil
}

// Healthz reports liveness: it answers 200 whenever the process serves
// HTTP, without contacting the State Store (Readyz does that).
func (r *Runtime) Healthz(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Readyz reports readiness: 200 when the State Store answers a
// ListResourcesByHolder call for this node, 503 otherwise. It does not
// look at manager load; a manager at its concurrency cap is still ready.
func (r *Runtime) Readyz(w http.ResponseWriter, req *http.Request) {
	if _, err := r.st.ListResourcesByHolder(req.Context(), r.nodeID); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unreachable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
