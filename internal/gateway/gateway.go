// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quadrant-vms/core/internal/cache"
	vmserrors "github.com/quadrant-vms/core/internal/errors"
	"github.com/quadrant-vms/core/internal/log"
	"github.com/quadrant-vms/core/internal/metrics"
	"github.com/quadrant-vms/core/internal/model"
	"github.com/quadrant-vms/core/internal/store"
)

// LeaseAcquirer is the subset of the Lease Registry the Gateway needs.
// *registry.Registry satisfies it directly (the tests use that); the
// gateway binary wires in cmd/gateway's remoteLeaseAcquirer, which finds
// the current leader through /cluster/status and calls it over HTTP with
// registry.Client, so this package has no gateway -> cluster dependency.
type LeaseAcquirer interface {
	Acquire(ctx context.Context, kind model.Kind, resourceID, holderID string, ttl time.Duration) (model.Lease, error)
	Release(ctx context.Context, leaseID string) error
	Get(leaseID string) (model.Lease, bool)
}

// Gateway is the stateless request facade of spec §4.4.
type Gateway struct {
	st      store.StateStore
	leases  LeaseAcquirer
	workers WorkerSet
	client  *WorkerClient
	idemp   *cache.Cache
	ttl     time.Duration
}

func New(st store.StateStore, leases LeaseAcquirer, workers WorkerSet, idemp *cache.Cache, defaultTTL time.Duration) *Gateway {
	return &Gateway{
		st:      st,
		leases:  leases,
		workers: workers,
		client:  NewWorkerClient(),
		idemp:   idemp,
		ttl:     defaultTTL,
	}
}

// Routes mounts the public API for one kind under its own prefix, e.g.
// g.Routes(router, "/streams", model.KindStream).
func (g *Gateway) Routes(router chi.Router, prefix string, kind model.Kind) {
	router.Route(prefix, func(r chi.Router) {
		r.Post("/", g.handleCreate(kind))
		r.Get("/", g.handleList(kind))
		r.Get("/{id}", g.handleGet(kind))
		r.Delete("/{id}", g.handleDelete(kind))
	})
}

type createRequest struct {
	ID           string          `json:"id"`
	SourceURI    string          `json:"source_uri"`
	Codec        string          `json:"codec"`
	Container    string          `json:"container"`
	TTLSecs      int64           `json:"ttl_secs"`
	SourceKind   string          `json:"source_kind,omitempty"`
	SourceID     string          `json:"source_id,omitempty"`
	PluginID     string          `json:"plugin_id,omitempty"`
	PluginConfig json.RawMessage `json:"plugin_config,omitempty"`
	IdempotencyKey string        `json:"-"`
}

type createResponse struct {
	LeaseID string `json:"lease_id"`
}

func (g *Gateway) handleCreate(kind model.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body createRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			g.writeErr(w, kind, vmserrors.New(vmserrors.Validation, "malformed request body", err))
			return
		}
		body.IdempotencyKey = req.Header.Get("Idempotency-Key")

		if err := g.validateCreate(kind, body); err != nil {
			g.writeErr(w, kind, err)
			return
		}
		if body.TTLSecs == 0 {
			body.TTLSecs = int64(g.ttl.Seconds())
		}

		ctx := req.Context()

		if g.idemp != nil && body.IdempotencyKey != "" {
			winner, won, err := g.idemp.PutIdempotent(ctx, body.IdempotencyKey, body.ID, time.Hour)
			if err == nil && !won && winner != body.ID {
				g.writeErr(w, kind, vmserrors.New(vmserrors.Conflict, "idempotency key already used for a different id", nil))
				return
			}
		}

		lease, err := g.leases.Acquire(ctx, kind, body.ID, "gateway", time.Duration(body.TTLSecs)*time.Second)
		if err != nil {
			g.writeErr(w, kind, err)
			return
		}

		live, err := g.workers.LiveWorkers(ctx)
		if err != nil || len(live) == 0 {
			_ = g.leases.Release(ctx, lease.LeaseID)
			g.writeErr(w, kind, vmserrors.New(vmserrors.Unavailable, "no live worker nodes available", err))
			return
		}
		nodeID, addr, err := SelectWorker(body.ID, live)
		if err != nil {
			_ = g.leases.Release(ctx, lease.LeaseID)
			g.writeErr(w, kind, err)
			return
		}

		cfg, err := kindConfig(kind, body)
		if err != nil {
			_ = g.leases.Release(ctx, lease.LeaseID)
			g.writeErr(w, kind, err)
			return
		}

		inst := model.ResourceInstance{
			ResourceID:    body.ID,
			Kind:          kind,
			Config:        cfg,
			State:         model.StateStarting,
			HolderNodeID:  nodeID,
			LeaseID:       lease.LeaseID,
			UpdatedAtUnix: time.Now().Unix(),
		}
		if err := g.st.UpsertResource(ctx, inst); err != nil {
			_ = g.leases.Release(ctx, lease.LeaseID)
			g.writeErr(w, kind, err)
			return
		}

		if err := g.client.Start(ctx, addr, kind, body.ID, lease, cfg); err != nil {
			log.L().Warn().Str("resource_id", body.ID).Str("worker_addr", addr).Err(err).Msg("gateway: worker dispatch failed")
			g.writeErr(w, kind, err)
			return
		}

		metrics.GatewayRequestsTotal.WithLabelValues(string(kind), "2xx").Inc()
		writeJSON(w, http.StatusOK, createResponse{LeaseID: lease.LeaseID})
	}
}

func (g *Gateway) handleDelete(kind model.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		resourceID := chi.URLParam(req, "id")
		ctx := req.Context()

		inst, err := g.st.GetResource(ctx, kind, resourceID)
		if err != nil {
			// Idempotent: deleting something already gone is still a success.
			metrics.GatewayRequestsTotal.WithLabelValues(string(kind), "2xx").Inc()
			w.WriteHeader(http.StatusOK)
			return
		}

		if inst.HolderNodeID != "" {
			live, err := g.workers.LiveWorkers(ctx)
			if err == nil {
				if addr, ok := live[inst.HolderNodeID]; ok {
					_ = g.client.Stop(ctx, addr, kind, resourceID)
				}
			}
		}
		metrics.GatewayRequestsTotal.WithLabelValues(string(kind), "2xx").Inc()
		w.WriteHeader(http.StatusOK)
	}
}

func (g *Gateway) handleGet(kind model.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		resourceID := chi.URLParam(req, "id")
		inst, err := g.st.GetResource(req.Context(), kind, resourceID)
		if err != nil {
			g.writeErr(w, kind, vmserrors.New(vmserrors.Validation, "resource not found", err))
			return
		}
		metrics.GatewayRequestsTotal.WithLabelValues(string(kind), "2xx").Inc()
		writeJSON(w, http.StatusOK, inst)
	}
}

func (g *Gateway) handleList(kind model.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		instances, err := g.st.ListResourcesByKind(req.Context(), kind)
		if err != nil {
			g.writeErr(w, kind, vmserrors.New(vmserrors.Unavailable, "state store unreachable", err))
			return
		}
		if holder := req.URL.Query().Get("holder_node_id"); holder != "" {
			filtered := instances[:0]
			for _, inst := range instances {
				if inst.HolderNodeID == holder {
					filtered = append(filtered, inst)
				}
			}
			instances = filtered
		}
		metrics.GatewayRequestsTotal.WithLabelValues(string(kind), "2xx").Inc()
		writeJSON(w, http.StatusOK, instances)
	}
}

func (g *Gateway) writeErr(w http.ResponseWriter, kind model.Kind, err error) {
	code, detail, ok := vmserrors.As(err)
	if !ok {
		code, detail = vmserrors.Invariant, "internal error"
	}
	statusClass := "5xx"
	if code.HTTPStatus() < 500 {
		statusClass = "4xx"
	}
	metrics.GatewayRequestsTotal.WithLabelValues(string(kind), statusClass).Inc()
	writeJSON(w, code.HTTPStatus(), map[string]string{"code": string(code), "message": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Healthz reports liveness.
func (g *Gateway) Healthz(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Readyz fails if the State Store or the worker-liveness cache is
// unreachable (spec §6 "fails if State Store or Coordinator
// unreachable").
func (g *Gateway) Readyz(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	if _, err := g.st.ListResourcesByHolder(ctx, ""); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("state store unreachable"))
		return
	}
	if _, err := g.workers.LiveWorkers(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("worker cache unreachable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
