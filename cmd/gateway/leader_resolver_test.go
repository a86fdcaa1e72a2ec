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

	"github.com/stretchr/testify/require"
)

func newStatusServer(t *testing.T, status clusterStatus) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLeaderResolverFindsLeaderAmongPeers(t *testing.T) {
	follower := newStatusServer(t, clusterStatus{NodeID: "n1", Role: "follower", Leader: "10.0.0.2:9000"})
	leader := newStatusServer(t, clusterStatus{NodeID: "n2", Role: "leader", Leader: "10.0.0.2:9000"})

	addrs := []string{strings.TrimPrefix(follower.URL, "http://"), strings.TrimPrefix(leader.URL, "http://")}
	r := newLeaderResolver(addrs)

	addr, err := r.resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2:9000", addr)
}

func TestLeaderResolverReturnsErrorWhenNoLeaderElected(t *testing.T) {
	follower := newStatusServer(t, clusterStatus{NodeID: "n1", Role: "follower"})
	addrs := []string{strings.TrimPrefix(follower.URL, "http://")}
	r := newLeaderResolver(addrs)

	_, err := r.resolve(context.Background())
	require.Error(t, err)
}

func TestLeaderResolverCachesWithinTTL(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(clusterStatus{NodeID: "n1", Role: "leader", Leader: "10.0.0.5:9000"})
	}))
	t.Cleanup(srv.Close)

	r := newLeaderResolver([]string{strings.TrimPrefix(srv.URL, "http://")})
	_, err := r.resolve(context.Background())
	require.NoError(t, err)
	_, err = r.resolve(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, calls, "second resolve within cacheTTL should hit the cache, not the network")
}
