// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	vmserrors "github.com/quadrant-vms/core/internal/errors"
	"github.com/quadrant-vms/core/internal/metrics"
)

// ErrNoLeader is returned by Forward when no leader is currently known --
// typically during the election window spec §4.3 describes, where
// acquires should fail fast with a retryable error.
var ErrNoLeader = vmserrors.New(vmserrors.Unavailable, "no leader currently elected", nil)

// Forward re-executes a mutating request (lease acquire/renew/release)
// against the current leader's HTTP API. It is an RPC, not a socket-level
// proxy, per spec §4.3 ("re-executed as RPC").
func (c *Coordinator) Forward(ctx context.Context, op, method, path string, body []byte) ([]byte, int, error) {
	leaderAddr, ok := c.LeaderAddr()
	if !ok {
		metrics.ForwardedRequestsTotal.WithLabelValues(op, "no_leader").Inc()
		return nil, 0, ErrNoLeader
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, "http://"+leaderAddr+path, bytes.NewReader(body))
	if err != nil {
		metrics.ForwardedRequestsTotal.WithLabelValues(op, "error").Inc()
		return nil, 0, fmt.Errorf("build forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ForwardedRequestsTotal.WithLabelValues(op, "unreachable").Inc()
		return nil, 0, vmserrors.New(vmserrors.Unavailable, "leader unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ForwardedRequestsTotal.WithLabelValues(op, "error").Inc()
		return nil, 0, err
	}
	metrics.ForwardedRequestsTotal.WithLabelValues(op, "ok").Inc()
	return payload, resp.StatusCode, nil
}

// DecodeForwarded is a convenience wrapper for callers that want the
// forwarded JSON body decoded straight into v.
func DecodeForwarded(payload []byte, v any) error {
	return json.Unmarshal(payload, v)
}
