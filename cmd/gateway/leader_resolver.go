// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	vmserrors "github.com/quadrant-vms/core/internal/errors"
)

// leaderResolver finds the cluster coordinator currently holding
// leadership by polling /cluster/status on any of a known set of
// coordinator addresses -- every replica, leader or follower, answers
// that endpoint with the leader address it currently believes in (spec
// §4.3). The result is cached briefly so a lease-heavy request burst
// doesn't re-poll on every call.
type leaderResolver struct {
	coordinatorAddrs []string
	httpClient       *http.Client
	cacheTTL         time.Duration

	mu       sync.Mutex
	cached   string
	cachedAt time.Time
}

func newLeaderResolver(addrs []string) *leaderResolver {
	return &leaderResolver{
		coordinatorAddrs: addrs,
		httpClient:       &http.Client{Timeout: 2 * time.Second},
		cacheTTL:         500 * time.Millisecond,
	}
}

type clusterStatus struct {
	NodeID string `json:"node_id"`
	Role   string `json:"role"`
	Term   int64  `json:"term"`
	Leader string `json:"leader_addr,omitempty"`
}

// resolve returns the currently known leader address, or an Unavailable
// error if none of the configured coordinator addresses has one.
func (r *leaderResolver) resolve(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.cached != "" && time.Since(r.cachedAt) < r.cacheTTL {
		addr := r.cached
		r.mu.Unlock()
		return addr, nil
	}
	r.mu.Unlock()

	for _, addr := range r.coordinatorAddrs {
		status, err := r.fetchStatus(ctx, addr)
		if err != nil || status.Leader == "" {
			continue
		}
		r.mu.Lock()
		r.cached = status.Leader
		r.cachedAt = time.Now()
		r.mu.Unlock()
		return status.Leader, nil
	}
	return "", vmserrors.New(vmserrors.Unavailable, "no leader currently elected", nil)
}

func (r *leaderResolver) fetchStatus(ctx context.Context, addr string) (clusterStatus, error) {
	var status clusterStatus
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/cluster/status", nil)
	if err != nil {
		return status, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return status, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return status, vmserrors.New(vmserrors.Unavailable, "coordinator status check failed", nil)
	}
	err = json.NewDecoder(resp.Body).Decode(&status)
	return status, err
}
