// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package registry

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	vmserrors "github.com/quadrant-vms/core/internal/errors"
	"github.com/quadrant-vms/core/internal/model"
)

// Routes mounts the Lease Registry's HTTP surface. cmd/coordinator mounts
// it on every replica behind a leader-only guard, so a follower answers
// these routes with Unavailable; nothing forwards a follower's calls to
// the leader, and callers address the leader themselves.
func (r *Registry) Routes(router chi.Router) {
	router.Post("/leases/acquire", r.handleAcquire)
	router.Post("/leases/{id}/renew", r.handleRenew)
	router.Post("/leases/{id}/release", r.handleRelease)
	router.Get("/leases/{id}", r.handleGet)
}

type acquireRequest struct {
	Kind       model.Kind `json:"kind"`
	ResourceID string     `json:"resource_id"`
	HolderID   string     `json:"holder_id"`
	TTLSecs    int64      `json:"ttl_secs"`
}

func (r *Registry) handleAcquire(w http.ResponseWriter, req *http.Request) {
	var body acquireRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeErr(w, vmserrors.New(vmserrors.Validation, "malformed acquire request", err))
		return
	}
	lease, err := r.Acquire(req.Context(), body.Kind, body.ResourceID, body.HolderID, time.Duration(body.TTLSecs)*time.Second)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lease)
}

type renewRequest struct {
	TTLSecs int64 `json:"ttl_secs"`
}

func (r *Registry) handleRenew(w http.ResponseWriter, req *http.Request) {
	leaseID := chi.URLParam(req, "id")
	var body renewRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeErr(w, vmserrors.New(vmserrors.Validation, "malformed renew request", err))
		return
	}
	lease, err := r.Renew(req.Context(), leaseID, time.Duration(body.TTLSecs)*time.Second)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lease)
}

func (r *Registry) handleRelease(w http.ResponseWriter, req *http.Request) {
	leaseID := chi.URLParam(req, "id")
	if err := r.Release(req.Context(), leaseID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (r *Registry) handleGet(w http.ResponseWriter, req *http.Request) {
	leaseID := chi.URLParam(req, "id")
	lease, ok := r.Get(leaseID)
	if !ok {
		writeErr(w, vmserrors.New(vmserrors.Validation, "lease not found or expired", nil))
		return
	}
	writeJSON(w, http.StatusOK, lease)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	code, detail, ok := vmserrors.As(err)
	if !ok {
		code, detail = vmserrors.Invariant, "internal error"
	}
	writeJSON(w, code.HTTPStatus(), map[string]string{"code": string(code), "message": detail})
}
