// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/quadrant-vms/core/internal/model"
	"github.com/quadrant-vms/core/internal/registry"
	"github.com/quadrant-vms/core/internal/store"
)

func newLeaderRegistryPair(t *testing.T) *httptest.Server {
	t.Helper()
	reg := registry.New(store.NewMemoryStore(), registry.Caps{Stream: 10, Recording: 10, AiTask: 10})
	r := chi.NewRouter()
	reg.Routes(r)
	regSrv := httptest.NewServer(r)
	t.Cleanup(regSrv.Close)

	regAddr := strings.TrimPrefix(regSrv.URL, "http://")
	status := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(clusterStatus{NodeID: "n1", Role: "leader", Leader: regAddr})
	}))
	t.Cleanup(status.Close)
	return status
}

func TestRemoteLeaseAcquirerAcquireAndGet(t *testing.T) {
	statusSrv := newLeaderRegistryPair(t)
	resolver := newLeaderResolver([]string{strings.TrimPrefix(statusSrv.URL, "http://")})
	acquirer := newRemoteLeaseAcquirer(resolver)

	lease, err := acquirer.Acquire(context.Background(), model.KindStream, "cam-1", "node-a", 30*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, lease.LeaseID)

	got, ok := acquirer.Get(lease.LeaseID)
	require.True(t, ok)
	require.Equal(t, lease.LeaseID, got.LeaseID)

	require.NoError(t, acquirer.Release(context.Background(), lease.LeaseID))

	_, ok = acquirer.Get(lease.LeaseID)
	require.False(t, ok, "a released lease must no longer be gettable")
}

func TestRemoteLeaseAcquirerGetFalseWhenNoLeader(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(clusterStatus{NodeID: "n1", Role: "follower"})
	}))
	t.Cleanup(dead.Close)

	resolver := newLeaderResolver([]string{strings.TrimPrefix(dead.URL, "http://")})
	acquirer := newRemoteLeaseAcquirer(resolver)

	_, ok := acquirer.Get("some-lease-id")
	require.False(t, ok)
}
