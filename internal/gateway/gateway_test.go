// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package gateway

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

// fakeWorkerSet stands in for the Redis-backed cache in tests, pointing
// at a single live worker backed by an httptest server.
type fakeWorkerSet struct {
	live map[string]string
}

func (f *fakeWorkerSet) LiveWorkers(ctx context.Context) (map[string]string, error) {
	return f.live, nil
}

type emptyWorkerSet struct{}

func (emptyWorkerSet) LiveWorkers(ctx context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}

func newTestGateway(t *testing.T, workerAddr string) (*Gateway, *registry.Registry, store.StateStore) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := registry.New(st, registry.Caps{Stream: 10, Recording: 10, AiTask: 10})
	workers := &fakeWorkerSet{live: map[string]string{"node-a": workerAddr}}
	return New(st, reg, workers, nil, 30*time.Second), reg, st
}

func newFakeWorkerServer(t *testing.T) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/resources/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func router(t *testing.T, g *Gateway) http.Handler {
	t.Helper()
	r := chi.NewRouter()
	g.Routes(r, "/streams", model.KindStream)
	g.Routes(r, "/recordings", model.KindRecording)
	g.Routes(r, "/ai/tasks", model.KindAiTask)
	r.Get("/healthz", g.Healthz)
	r.Get("/readyz", g.Readyz)
	return r
}

func TestHandleCreateStreamHappyPath(t *testing.T) {
	addr := newFakeWorkerServer(t)
	g, _, st := newTestGateway(t, addr)
	r := router(t, g)

	body := `{"id":"cam-1","source_uri":"rtsp://example.test/cam-1","codec":"h264"}`
	req := httptest.NewRequest(http.MethodPost, "/streams/", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	inst, err := st.GetResource(context.Background(), model.KindStream, "cam-1")
	require.NoError(t, err)
	require.Equal(t, model.StateStarting, inst.State)
	require.Equal(t, "node-a", inst.HolderNodeID)
	require.NotEmpty(t, inst.LeaseID)
}

func TestHandleCreateRejectsInvalidID(t *testing.T) {
	addr := newFakeWorkerServer(t)
	g, _, _ := newTestGateway(t, addr)
	r := router(t, g)

	body := `{"id":"../etc/passwd","source_uri":"rtsp://example.test/cam-1"}`
	req := httptest.NewRequest(http.MethodPost, "/streams/", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCreateRejectsDisallowedScheme(t *testing.T) {
	addr := newFakeWorkerServer(t)
	g, _, _ := newTestGateway(t, addr)
	r := router(t, g)

	body := `{"id":"cam-1","source_uri":"ftp://example.test/cam-1"}`
	req := httptest.NewRequest(http.MethodPost, "/streams/", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCreateConflictOnDuplicateResource(t *testing.T) {
	addr := newFakeWorkerServer(t)
	g, _, _ := newTestGateway(t, addr)
	r := router(t, g)

	body := `{"id":"cam-1","source_uri":"rtsp://example.test/cam-1"}`
	req1 := httptest.NewRequest(http.MethodPost, "/streams/", strings.NewReader(body))
	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, req1)
	require.Equal(t, http.StatusOK, w1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/streams/", strings.NewReader(body))
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req2)
	require.Equal(t, http.StatusConflict, w2.Code)
}

func TestHandleCreateUnavailableWithNoLiveWorkers(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.New(st, registry.Caps{Stream: 10, Recording: 10, AiTask: 10})
	g := New(st, reg, emptyWorkerSet{}, nil, 30*time.Second)
	r := router(t, g)

	body := `{"id":"cam-1","source_uri":"rtsp://example.test/cam-1"}`
	req := httptest.NewRequest(http.MethodPost, "/streams/", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	// The lease acquired before worker selection failed must have been
	// released, not leaked (spec (P6): acquire/release must round-trip).
	require.Empty(t, reg.List(model.KindStream, ""))
}

func TestHandleDeleteIsIdempotent(t *testing.T) {
	addr := newFakeWorkerServer(t)
	g, _, _ := newTestGateway(t, addr)
	r := router(t, g)

	req := httptest.NewRequest(http.MethodDelete, "/streams/does-not-exist", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleCreateThenGetThenDelete(t *testing.T) {
	addr := newFakeWorkerServer(t)
	g, _, _ := newTestGateway(t, addr)
	r := router(t, g)

	createBody := `{"id":"rec-1","source_uri":"rtsp://example.test/rec-1"}`
	req := httptest.NewRequest(http.MethodPost, "/recordings/", strings.NewReader(createBody))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/recordings/rec-1", nil)
	getW := httptest.NewRecorder()
	r.ServeHTTP(getW, getReq)
	require.Equal(t, http.StatusOK, getW.Code)

	var inst model.ResourceInstance
	require.NoError(t, json.NewDecoder(getW.Body).Decode(&inst))
	require.Equal(t, "rec-1", inst.ResourceID)

	delReq := httptest.NewRequest(http.MethodDelete, "/recordings/rec-1", nil)
	delW := httptest.NewRecorder()
	r.ServeHTTP(delW, delReq)
	require.Equal(t, http.StatusOK, delW.Code)
}

func TestHandleCreateAiTaskRequiresPluginID(t *testing.T) {
	addr := newFakeWorkerServer(t)
	g, _, _ := newTestGateway(t, addr)
	r := router(t, g)

	body := `{"id":"task-1","source_kind":"Stream","source_id":"cam-1"}`
	req := httptest.NewRequest(http.MethodPost, "/ai/tasks/", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleListReturnsLiveResourcesOfKind(t *testing.T) {
	addr := newFakeWorkerServer(t)
	g, _, st := newTestGateway(t, addr)
	r := router(t, g)

	ctx := context.Background()
	require.NoError(t, st.UpsertResource(ctx, model.ResourceInstance{
		ResourceID: "cam-1", Kind: model.KindStream, State: model.StateRunning,
		HolderNodeID: "node-a", LeaseID: "lease-1", UpdatedAtUnix: time.Now().Unix(),
	}))
	require.NoError(t, st.UpsertResource(ctx, model.ResourceInstance{
		ResourceID: "cam-2", Kind: model.KindStream, State: model.StateStarting,
		UpdatedAtUnix: time.Now().Unix(),
	}))
	require.NoError(t, st.UpsertResource(ctx, model.ResourceInstance{
		ResourceID: "rec-1", Kind: model.KindRecording, State: model.StateRunning,
		HolderNodeID: "node-a", LeaseID: "lease-2", UpdatedAtUnix: time.Now().Unix(),
	}))

	req := httptest.NewRequest(http.MethodGet, "/streams/", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var got []model.ResourceInstance
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	require.Len(t, got, 2, "list must include both Starting and Running stream resources, not just unheld ones")
}

func TestHandleListFiltersByHolderNodeID(t *testing.T) {
	addr := newFakeWorkerServer(t)
	g, _, st := newTestGateway(t, addr)
	r := router(t, g)

	ctx := context.Background()
	require.NoError(t, st.UpsertResource(ctx, model.ResourceInstance{
		ResourceID: "cam-1", Kind: model.KindStream, State: model.StateRunning,
		HolderNodeID: "node-a", LeaseID: "lease-1", UpdatedAtUnix: time.Now().Unix(),
	}))
	require.NoError(t, st.UpsertResource(ctx, model.ResourceInstance{
		ResourceID: "cam-2", Kind: model.KindStream, State: model.StateRunning,
		HolderNodeID: "node-b", LeaseID: "lease-2", UpdatedAtUnix: time.Now().Unix(),
	}))

	req := httptest.NewRequest(http.MethodGet, "/streams/?holder_node_id=node-a", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var got []model.ResourceInstance
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	require.Len(t, got, 1)
	require.Equal(t, "cam-1", got[0].ResourceID)
}

func TestHealthzAlwaysOK(t *testing.T) {
	addr := newFakeWorkerServer(t)
	g, _, _ := newTestGateway(t, addr)
	r := router(t, g)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestReadyzOKWithEmptyWorkerSet(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.New(st, registry.Caps{Stream: 10, Recording: 10, AiTask: 10})
	g := New(st, reg, emptyWorkerSet{}, nil, 30*time.Second)
	r := router(t, g)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, "empty worker set is reachable, just empty -- readyz only checks connectivity")
}
