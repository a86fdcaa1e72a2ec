// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package registry

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/quadrant-vms/core/internal/model"
	"github.com/quadrant-vms/core/internal/store"
)

func newTestRegistryServer(t *testing.T) *httptest.Server {
	t.Helper()
	reg := New(store.NewMemoryStore(), Caps{Stream: 10, Recording: 10, AiTask: 10})
	r := chi.NewRouter()
	reg.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func addrOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestClientAcquireRenewRelease(t *testing.T) {
	srv := newTestRegistryServer(t)
	c := NewClient(addrOf(srv))
	ctx := context.Background()

	lease, err := c.Acquire(ctx, model.KindStream, "cam-1", "node-a", 30*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, lease.LeaseID)

	fetched, err := c.Get(ctx, lease.LeaseID)
	require.NoError(t, err)
	require.Equal(t, lease.LeaseID, fetched.LeaseID)

	renewed, err := c.Renew(ctx, lease.LeaseID, 60*time.Second)
	require.NoError(t, err)
	require.Equal(t, lease.Version+1, renewed.Version)

	require.NoError(t, c.Release(ctx, lease.LeaseID))

	_, err = c.Get(ctx, lease.LeaseID)
	require.Error(t, err)
}

func TestClientAcquireConflictSurfacesAsError(t *testing.T) {
	srv := newTestRegistryServer(t)
	c := NewClient(addrOf(srv))
	ctx := context.Background()

	_, err := c.Acquire(ctx, model.KindStream, "cam-1", "node-a", 30*time.Second)
	require.NoError(t, err)

	_, err = c.Acquire(ctx, model.KindStream, "cam-1", "node-b", 30*time.Second)
	require.Error(t, err)
}

func TestClientUnreachableNodeReturnsUnavailable(t *testing.T) {
	c := NewClient("127.0.0.1:1")
	_, err := c.Acquire(context.Background(), model.KindStream, "cam-1", "node-a", 30*time.Second)
	require.Error(t, err)
}
