// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	vmserrors "github.com/quadrant-vms/core/internal/errors"
	"github.com/quadrant-vms/core/internal/model"
)

// Client calls a remote Lease Registry's HTTP surface (Routes, above).
// A worker node never holds an in-memory Registry itself, so this is
// what satisfies worker.LeaseRenewer in production. Its Get returns an
// error rather than a found flag, so it does not satisfy
// gateway.LeaseAcquirer itself; cmd/gateway's remoteLeaseAcquirer wraps it.
type Client struct {
	addr       string
	httpClient *http.Client
}

// NewClient builds a registry Client against the coordinator reachable
// at addr (host:port, no scheme).
func NewClient(addr string) *Client {
	return &Client{addr: addr, httpClient: &http.Client{Timeout: 5 * time.Second}}
}

// Acquire requests a new lease for (kind, resourceID) on behalf of
// holderID.
func (c *Client) Acquire(ctx context.Context, kind model.Kind, resourceID, holderID string, ttl time.Duration) (model.Lease, error) {
	body, err := json.Marshal(acquireRequest{Kind: kind, ResourceID: resourceID, HolderID: holderID, TTLSecs: int64(ttl.Seconds())})
	if err != nil {
		return model.Lease{}, vmserrors.New(vmserrors.Invariant, "marshal acquire request", err)
	}
	var lease model.Lease
	err = c.do(ctx, http.MethodPost, "/leases/acquire", body, &lease)
	return lease, err
}

// Renew extends leaseID's expiry by ttl, satisfying worker.LeaseRenewer.
func (c *Client) Renew(ctx context.Context, leaseID string, ttl time.Duration) (model.Lease, error) {
	body, err := json.Marshal(renewRequest{TTLSecs: int64(ttl.Seconds())})
	if err != nil {
		return model.Lease{}, vmserrors.New(vmserrors.Invariant, "marshal renew request", err)
	}
	var lease model.Lease
	err = c.do(ctx, http.MethodPost, fmt.Sprintf("/leases/%s/renew", leaseID), body, &lease)
	return lease, err
}

// Release gives up leaseID early. Matches the duck-typed Release method
// worker.Runtime.Recover looks for via a type assertion.
func (c *Client) Release(ctx context.Context, leaseID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/leases/%s/release", leaseID), nil, nil)
}

// Get fetches the current lease record, or a Validation error if it's
// gone or expired.
func (c *Client) Get(ctx context.Context, leaseID string) (model.Lease, error) {
	var lease model.Lease
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/leases/%s", leaseID), nil, &lease)
	return lease, err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+c.addr+path, reader)
	if err != nil {
		return vmserrors.New(vmserrors.Invariant, "build registry request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return vmserrors.New(vmserrors.Unavailable, "registry node unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var body struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		code := vmserrors.Code(body.Code)
		if code == "" {
			code = vmserrors.Unavailable
		}
		return vmserrors.New(code, body.Message, nil)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
