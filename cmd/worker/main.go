// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

// Command worker runs the Worker Runtime of spec §4.5: it hosts bounded
// concurrent managers for Stream, Recording and AiTask resources,
// dispatches the Worker control API the Gateway drives, and recovers
// crash-interrupted resources to Error on startup.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/quadrant-vms/core/internal/cache"
	"github.com/quadrant-vms/core/internal/config"
	xglog "github.com/quadrant-vms/core/internal/log"
	"github.com/quadrant-vms/core/internal/pipeline/aitask"
	"github.com/quadrant-vms/core/internal/pipeline/recording"
	"github.com/quadrant-vms/core/internal/pipeline/stream"
	"github.com/quadrant-vms/core/internal/registry"
	"github.com/quadrant-vms/core/internal/store"
	"github.com/quadrant-vms/core/internal/telemetry"
	"github.com/quadrant-vms/core/internal/worker"
)

var (
	version = "dev"
	commit  = "none"
)

// defaultFrameSize is the rawvideo bgr24 frame size for a 640x360 feed,
// used when no per-task resolution is configured.
const defaultFrameSize = 640 * 360 * 3

const heartbeatFraction = 3 // heartbeat at 1/3 of the worker registration TTL

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("worker %s (commit: %s)\n", version, commit)
		return
	}

	xglog.Configure(xglog.Config{Level: "info", Service: "vms-worker", Version: version})
	logger := xglog.WithComponent("worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv(config.Defaults())
	xglog.Configure(xglog.Config{Level: cfg.LogLevel, Service: "vms-worker", Version: version})
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	if err := config.PersistIdentity(cfg.DataDir, cfg.NodeID); err != nil {
		logger.Fatal().Err(err).Msg("failed to persist node identity")
	}

	st, err := store.Open(cfg.StoreBackend, cfg.StorePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open state store")
	}
	defer func() { _ = st.Close() }()

	shutdownTelemetry, err := telemetry.Configure(ctx, telemetry.Config{ServiceName: "vms-worker", Endpoint: cfg.OTLPEndpoint})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure telemetry")
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	if cfg.CoordinatorAddr == "" {
		logger.Fatal().Msg("VMS_COORDINATOR_ADDR is required: workers renew leases against the current leader")
	}
	renewer := registry.NewClient(cfg.CoordinatorAddr)

	uploader, err := buildUploader(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure segment uploader")
	}
	prober := recording.NewFFprobeProber(cfg.FFprobeBinPath)

	plugins := aitask.NewRegistry()
	plugins.Register("noop", func() aitask.Plugin { return &aitask.NoopPlugin{} })

	sources := newStoreSourceResolver(st, cfg.FFmpegBinPath, defaultFrameSize)
	factories := pipelineFactories(cfg.DataDir, cfg.FFmpegBinPath, cfg.FFprobeBinPath, uploader, prober, plugins, sources)

	caps := worker.Caps{Stream: cfg.MaxConcurrentStreams, Recording: cfg.MaxConcurrentRecordings, AiTask: cfg.MaxConcurrentAiTasks}
	rt := worker.New(cfg.NodeID, st, caps, cfg.DefaultLeaseTTL, factories, renewer)

	if err := rt.Recover(ctx); err != nil {
		logger.Fatal().Err(err).Msg("crash recovery sweep failed")
	}

	selfAddr := cfg.SelfAddr
	if selfAddr == "" {
		selfAddr = cfg.ListenAddr
	}
	go heartbeatLoop(ctx, logger, cache.New(cfg.RedisAddr), cfg.NodeID, selfAddr, cfg.DefaultLeaseTTL)

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(xglog.Middleware())
	router.Use(chimw.Recoverer)
	rt.Routes(router)
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", cfg.ListenAddr).Str("node_id", cfg.NodeID).Msg("worker runtime listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("worker http server failed")
	}
}

// buildUploader wires stream.S3Uploader when an upload bucket is
// configured via the environment; nil disables uploads entirely, which
// stream.Contract treats as an explicit opt-out.
func buildUploader(ctx context.Context, cfg config.Config) (stream.Uploader, error) {
	if cfg.UploadBucket == "" {
		return nil, nil
	}
	return stream.NewS3Uploader(ctx, cfg.UploadBucket, cfg.UploadEndpoint)
}

// heartbeatLoop re-registers this node as live well inside its TTL so a
// brief Redis hiccup doesn't immediately drop it from the Gateway's
// worker set.
func heartbeatLoop(ctx context.Context, logger zerolog.Logger, c *cache.Cache, nodeID, addr string, ttl time.Duration) {
	interval := ttl / heartbeatFraction
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	register := func() {
		if err := c.RegisterWorker(ctx, nodeID, addr, ttl); err != nil {
			logger.Warn().Err(err).Msg("worker: heartbeat registration failed")
		}
	}
	register()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			register()
		}
	}
}
