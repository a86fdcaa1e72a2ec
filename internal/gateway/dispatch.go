// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"sort"
	"time"

	vmserrors "github.com/quadrant-vms/core/internal/errors"
	"github.com/quadrant-vms/core/internal/model"
)

// WorkerSet resolves the currently live worker nodes the Gateway may
// dispatch to, keyed by node ID -> dispatch address (spec §4.4 "worker
// dispatch"). Backed by internal/cache in production.
type WorkerSet interface {
	LiveWorkers(ctx context.Context) (map[string]string, error)
}

// SelectWorker deterministically maps a resource to one of the
// currently live worker nodes, so repeated acquires for the same
// resource prefer the same node (sticky placement) without needing any
// shared scheduling state.
func SelectWorker(resourceID string, live map[string]string) (nodeID, addr string, err error) {
	if len(live) == 0 {
		return "", "", vmserrors.New(vmserrors.Unavailable, "no live worker nodes available", nil)
	}
	ids := make([]string, 0, len(live))
	for id := range live {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := fnv.New32a()
	_, _ = h.Write([]byte(resourceID))
	idx := int(h.Sum32()) % len(ids)
	if idx < 0 {
		idx += len(ids)
	}
	chosen := ids[idx]
	return chosen, live[chosen], nil
}

// WorkerClient calls the Worker control API (spec §6) on a specific node.
type WorkerClient struct {
	httpClient *http.Client
}

func NewWorkerClient() *WorkerClient {
	return &WorkerClient{httpClient: &http.Client{Timeout: 5 * time.Second}}
}

type workerStartBody struct {
	LeaseID       string          `json:"lease_id"`
	ExpiresAtUnix int64           `json:"expires_at"`
	Version       int64           `json:"version"`
	Config        json.RawMessage `json:"config"`
}

// Start dispatches a start(config) call to the named worker node for the
// given resource and its freshly acquired lease.
func (c *WorkerClient) Start(ctx context.Context, addr string, kind model.Kind, resourceID string, lease model.Lease, cfg json.RawMessage) error {
	body, err := json.Marshal(workerStartBody{LeaseID: lease.LeaseID, ExpiresAtUnix: lease.ExpiresAtUnix, Version: lease.Version, Config: cfg})
	if err != nil {
		return vmserrors.New(vmserrors.Invariant, "marshal worker start request", err)
	}
	path := fmt.Sprintf("/resources/%s/%s/start", kind, resourceID)
	return c.do(ctx, addr, http.MethodPost, path, body)
}

// Stop dispatches an idempotent stop(resource_id) call.
func (c *WorkerClient) Stop(ctx context.Context, addr string, kind model.Kind, resourceID string) error {
	path := fmt.Sprintf("/resources/%s/%s/stop", kind, resourceID)
	return c.do(ctx, addr, http.MethodPost, path, nil)
}

func (c *WorkerClient) do(ctx context.Context, addr, method, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, "http://"+addr+path, bytes.NewReader(body))
	if err != nil {
		return vmserrors.New(vmserrors.Invariant, "build worker dispatch request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return vmserrors.New(vmserrors.Unavailable, "worker node unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return vmserrors.New(vmserrors.Unavailable, fmt.Sprintf("worker dispatch returned status %d", resp.StatusCode), nil)
	}
	return nil
}
