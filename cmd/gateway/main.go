// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

// Command gateway runs the stateless Orchestration Gateway of spec §4.4:
// request validation, idempotency-key dedup, lease acquire, sticky
// worker selection, and Worker control API dispatch, fronting the
// public /streams, /recordings and /ai/tasks surfaces.
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

	"github.com/quadrant-vms/core/internal/cache"
	"github.com/quadrant-vms/core/internal/config"
	"github.com/quadrant-vms/core/internal/gateway"
	xglog "github.com/quadrant-vms/core/internal/log"
	"github.com/quadrant-vms/core/internal/model"
	"github.com/quadrant-vms/core/internal/store"
	"github.com/quadrant-vms/core/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gateway %s (commit: %s)\n", version, commit)
		return
	}

	xglog.Configure(xglog.Config{Level: "info", Service: "vms-gateway", Version: version})
	logger := xglog.WithComponent("gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv(config.Defaults())
	xglog.Configure(xglog.Config{Level: cfg.LogLevel, Service: "vms-gateway", Version: version})
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	st, err := store.Open(cfg.StoreBackend, cfg.StorePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open state store")
	}
	defer func() { _ = st.Close() }()

	shutdownTelemetry, err := telemetry.Configure(ctx, telemetry.Config{ServiceName: "vms-gateway", Endpoint: cfg.OTLPEndpoint})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure telemetry")
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	coordinatorAddrs := cfg.Peers
	if len(coordinatorAddrs) == 0 && cfg.CoordinatorAddr != "" {
		coordinatorAddrs = []string{cfg.CoordinatorAddr}
	}
	if len(coordinatorAddrs) == 0 {
		logger.Fatal().Msg("no coordinator addresses configured (VMS_PEERS or VMS_COORDINATOR_ADDR)")
	}
	leases := newRemoteLeaseAcquirer(newLeaderResolver(coordinatorAddrs))

	redisCache := cache.New(cfg.RedisAddr)
	defer func() { _ = redisCache.Close() }()

	gw := gateway.New(st, leases, redisCache, redisCache, cfg.DefaultLeaseTTL)

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(xglog.Middleware())
	router.Use(chimw.Recoverer)

	gw.Routes(router, "/streams", model.KindStream)
	gw.Routes(router, "/recordings", model.KindRecording)
	gw.Routes(router, "/ai/tasks", model.KindAiTask)
	router.Get("/healthz", gw.Healthz)
	router.Get("/readyz", gw.Readyz)
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

	logger.Info().Str("addr", cfg.ListenAddr).Strs("coordinators", coordinatorAddrs).Msg("gateway listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("gateway http server failed")
	}
}
