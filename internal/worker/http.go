// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package worker

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	vmserrors "github.com/quadrant-vms/core/internal/errors"
	"github.com/quadrant-vms/core/internal/model"
)

// startRequest is the body the Gateway posts to dispatch a resource to
// this worker node (spec §6 "Worker control API").
type startRequest struct {
	LeaseID       string          `json:"lease_id"`
	ExpiresAtUnix int64           `json:"expires_at"`
	Version       int64           `json:"version"`
	Config        json.RawMessage `json:"config"`
}

type statusResponse struct {
	State     model.State `json:"state"`
	LastError string      `json:"last_error,omitempty"`
}

// Routes mounts the Worker control API the Gateway dispatches to.
func (r *Runtime) Routes(router chi.Router) {
	router.Post("/resources/{kind}/{id}/start", r.handleStart)
	router.Post("/resources/{kind}/{id}/stop", r.handleStop)
	router.Get("/resources/{kind}/{id}/status", r.handleStatus)
	router.Get("/healthz", r.Healthz)
	router.Get("/readyz", r.Readyz)
}

func (r *Runtime) handleStart(w http.ResponseWriter, req *http.Request) {
	kind, err := model.ParseKind(chi.URLParam(req, "kind"))
	if err != nil {
		writeErr(w, vmserrors.New(vmserrors.Validation, "unknown resource kind", err))
		return
	}
	resourceID := chi.URLParam(req, "id")

	var body startRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeErr(w, vmserrors.New(vmserrors.Validation, "malformed start request body", err))
		return
	}

	mgr := r.managers[kind]
	lease := model.Lease{LeaseID: body.LeaseID, ResourceID: resourceID, Kind: kind, ExpiresAtUnix: body.ExpiresAtUnix, Version: body.Version}
	if err := mgr.Acquire(req.Context(), resourceID, lease, body.Config); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (r *Runtime) handleStop(w http.ResponseWriter, req *http.Request) {
	kind, err := model.ParseKind(chi.URLParam(req, "kind"))
	if err != nil {
		writeErr(w, vmserrors.New(vmserrors.Validation, "unknown resource kind", err))
		return
	}
	resourceID := chi.URLParam(req, "id")

	r.managers[kind].RequestStop(resourceID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, req *http.Request) {
	kind, err := model.ParseKind(chi.URLParam(req, "kind"))
	if err != nil {
		writeErr(w, vmserrors.New(vmserrors.Validation, "unknown resource kind", err))
		return
	}
	resourceID := chi.URLParam(req, "id")

	inst, err := r.st.GetResource(req.Context(), kind, resourceID)
	if err != nil {
		writeErr(w, vmserrors.New(vmserrors.Validation, "resource not found", err))
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{State: inst.State, LastError: inst.LastError})
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
