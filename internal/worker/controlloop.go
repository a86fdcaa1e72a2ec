// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package worker

import (
	"context"
	"math/rand"
	"time"

	vmserrors "github.com/quadrant-vms/core/internal/errors"
	"github.com/quadrant-vms/core/internal/log"
	"github.com/quadrant-vms/core/internal/metrics"
	"github.com/quadrant-vms/core/internal/model"
	"github.com/quadrant-vms/core/internal/store"
)

// LeaseRenewer is the subset of the Lease Registry a worker needs. A
// worker never holds an in-memory Registry itself -- only the current
// leader does -- so this is satisfied in production by an RPC client
// talking to the coordinator, and directly by *registry.Registry in
// single-process tests.
type LeaseRenewer interface {
	Renew(ctx context.Context, leaseID string, ttl time.Duration) (model.Lease, error)
}

const renewMaxRetries = 3

// controlLoop runs for the whole life of one resource instance (spec
// §4.5 "Per-resource control loop").
type controlLoop struct {
	nodeID     string
	resourceID string
	kind       model.Kind
	ttl        time.Duration
	lease      model.Lease

	pipeline Pipeline
	st       store.StateStore
	renewer  LeaseRenewer

	stopRequested chan struct{}
	finished      chan struct{}
}

func newControlLoop(nodeID string, kind model.Kind, resourceID string, lease model.Lease, ttl time.Duration, pipeline Pipeline, st store.StateStore, renewer LeaseRenewer) *controlLoop {
	return &controlLoop{
		nodeID:        nodeID,
		resourceID:    resourceID,
		kind:          kind,
		ttl:           ttl,
		lease:         lease,
		pipeline:      pipeline,
		st:            st,
		renewer:       renewer,
		stopRequested: make(chan struct{}),
		finished:      make(chan struct{}),
	}
}

// requestStop signals a cooperative drain; run() reacts on its next
// select iteration. Safe to call more than once.
func (c *controlLoop) requestStop() {
	select {
	case <-c.stopRequested:
	default:
		close(c.stopRequested)
	}
}

func (c *controlLoop) run(ctx context.Context) {
	defer close(c.finished)

	c.setState(ctx, model.StateStarting, "")
	if err := c.pipeline.Start(ctx); err != nil {
		c.fail(ctx, "pipeline start failed: "+err.Error())
		return
	}
	c.setState(ctx, model.StateRunning, "")

	renewTimer := time.NewTimer(c.ttl / 2)
	defer renewTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-c.stopRequested:
			c.drain(ctx)
			return

		case err := <-c.pipeline.Done():
			if err != nil {
				c.fail(ctx, "side effect exited: "+err.Error())
			} else {
				c.fail(ctx, "side effect exited unexpectedly")
			}
			return

		case <-renewTimer.C:
			if !c.renewWithBackoff(ctx) {
				c.fail(ctx, "lease renew failed")
				return
			}
			renewTimer.Reset(c.ttl / 2)
		}
	}
}

// renewWithBackoff issues up to renewMaxRetries renew attempts with
// jittered backoff, bounded so the last retry still completes before
// expires_at in the worst case (spec §4.5).
func (c *controlLoop) renewWithBackoff(ctx context.Context) bool {
	for attempt := 0; attempt < renewMaxRetries; attempt++ {
		updated, err := c.renewer.Renew(ctx, c.lease.LeaseID, c.ttl)
		if err == nil {
			c.lease = updated
			metrics.ControlLoopRenewTotal.WithLabelValues(string(c.kind), "ok").Inc()
			return true
		}
		if vmserrors.Is(err, vmserrors.Expired) || vmserrors.Is(err, vmserrors.Validation) {
			metrics.ControlLoopRenewTotal.WithLabelValues(string(c.kind), "expired").Inc()
			return false
		}
		metrics.ControlLoopRenewTotal.WithLabelValues(string(c.kind), "retry").Inc()
		log.L().Warn().Str("resource_id", c.resourceID).Int("attempt", attempt+1).Err(err).Msg("worker: lease renew failed, retrying")

		if attempt == renewMaxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(renewRetryBackoff(attempt)):
		}
	}
	metrics.ControlLoopRenewTotal.WithLabelValues(string(c.kind), "exhausted").Inc()
	return false
}

// renewRetryBackoff keeps every retry well inside a half-TTL renewal
// window: 200ms, 400ms, 800ms with +/-30% jitter.
func renewRetryBackoff(attempt int) time.Duration {
	base := 200 * time.Millisecond << uint(attempt)
	return time.Duration(float64(base) * (0.7 + 0.6*rand.Float64()))
}

func (c *controlLoop) drain(ctx context.Context) {
	c.setState(ctx, model.StateStopping, "")
	_ = c.pipeline.Stop()
	<-c.pipeline.Done()
	c.finalizeExtensions(ctx)
	c.setStopped(ctx)
}

func (c *controlLoop) fail(ctx context.Context, reason string) {
	_ = c.pipeline.Stop()
	c.finalizeExtensions(ctx)
	c.setState(ctx, model.StateError, reason)
	c.releaseBestEffort(ctx)
}

// releaseBestEffort releases the lease immediately when the pipeline
// crashes out from under a live control loop (spec §4.5: "release the
// lease" is one of the three required steps on an unexpected pipeline
// exit, alongside moving to Error and recording last_error). Mirrors the
// duck-typed Release lookup in runtime.go's recovery-path releaseBestEffort
// -- failure here is logged, not fatal, since the lease still expires on
// its own at worst.
func (c *controlLoop) releaseBestEffort(ctx context.Context) {
	releaser, ok := c.renewer.(interface {
		Release(ctx context.Context, leaseID string) error
	})
	if !ok {
		return
	}
	if err := releaser.Release(ctx, c.lease.LeaseID); err != nil {
		log.L().Debug().Str("resource_id", c.resourceID).Err(err).Msg("worker: best-effort lease release failed after pipeline crash")
	}
}

func (c *controlLoop) finalizeExtensions(ctx context.Context) {
	extractor, ok := c.pipeline.(Extractor)
	if !ok {
		return
	}
	raw, err := extractor.Extensions(ctx)
	if err != nil || raw == nil {
		return
	}
	inst, err := c.st.GetResource(ctx, c.kind, c.resourceID)
	if err != nil {
		return
	}
	inst.Extensions = raw
	inst.UpdatedAtUnix = time.Now().Unix()
	_ = c.st.UpsertResource(ctx, inst)
}

func (c *controlLoop) setState(ctx context.Context, state model.State, lastError string) {
	inst, err := c.st.GetResource(ctx, c.kind, c.resourceID)
	previous := model.State("")
	if err != nil {
		inst = model.ResourceInstance{ResourceID: c.resourceID, Kind: c.kind}
	} else {
		previous = inst.State
	}
	inst.State = state
	inst.LastError = lastError
	inst.HolderNodeID = c.nodeID
	inst.LeaseID = c.lease.LeaseID
	if state == model.StateRunning && inst.StartedAtUnix == 0 {
		inst.StartedAtUnix = time.Now().Unix()
	}
	inst.UpdatedAtUnix = time.Now().Unix()
	_ = c.st.UpsertResource(ctx, inst)
	moveStateGauge(c.kind, previous, state)
}

func (c *controlLoop) setStopped(ctx context.Context) {
	inst, err := c.st.GetResource(ctx, c.kind, c.resourceID)
	if err != nil {
		return
	}
	previous := inst.State
	inst.State = model.StateStopped
	inst.StoppedAtUnix = time.Now().Unix()
	inst.UpdatedAtUnix = inst.StoppedAtUnix
	inst.ClearOwnership()
	_ = c.st.UpsertResource(ctx, inst)
	moveStateGauge(c.kind, previous, model.StateStopped)
}

// moveStateGauge adjusts the ResourceStateGauge so it reflects a current
// census of resources by (kind, state) rather than a monotonically
// growing counter.
func moveStateGauge(kind model.Kind, from, to model.State) {
	if from != "" {
		metrics.ResourceStateGauge.WithLabelValues(string(kind), string(from)).Dec()
	}
	metrics.ResourceStateGauge.WithLabelValues(string(kind), string(to)).Inc()
}
