// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

// Command coordinator runs the cluster election protocol of spec §4.3
// together with the two duties that only ever run on the current
// leader: the Lease Registry's expiry sweeper and the Resource Reaper.
// A follower replica serves the election RPCs and the read-only
// /cluster/status endpoint; its Lease Registry routes answer Unavailable
// (see leaderOnly). Gateways resolve the leader's address from
// /cluster/status; Workers renew against the coordinator address in
// their own configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quadrant-vms/core/internal/cluster"
	"github.com/quadrant-vms/core/internal/config"
	vmserrors "github.com/quadrant-vms/core/internal/errors"
	xglog "github.com/quadrant-vms/core/internal/log"
	"github.com/quadrant-vms/core/internal/reaper"
	"github.com/quadrant-vms/core/internal/registry"
	"github.com/quadrant-vms/core/internal/store"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("coordinator %s (commit: %s)\n", version, commit)
		return
	}

	xglog.Configure(xglog.Config{Level: "info", Service: "vms-coordinator", Version: version})
	logger := xglog.WithComponent("coordinator")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv(config.Defaults())
	xglog.Configure(xglog.Config{Level: cfg.LogLevel, Service: "vms-coordinator", Version: version})
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

	caps := registry.Caps{Stream: cfg.MaxConcurrentStreams, Recording: cfg.MaxConcurrentRecordings, AiTask: cfg.MaxConcurrentAiTasks}
	reg := registry.New(st, caps)
	rp := reaper.New(st, reg, cfg.ReaperInterval, cfg.OrphanGraceSecs)

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()

	selfAddr := cfg.SelfAddr
	if selfAddr == "" {
		selfAddr = cfg.ListenAddr
	}

	var dutiesMu sync.Mutex
	var cancelDuties context.CancelFunc

	coord, err := cluster.New(cluster.Config{
		NodeID:             cfg.NodeID,
		SelfAddr:           selfAddr,
		Peers:              cfg.Peers,
		ElectionTimeoutMin: cfg.ElectionTimeoutMin,
		ElectionTimeoutMax: cfg.ElectionTimeoutMax,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		OnBecomeLeader: func() {
			logger.Info().Msg("coordinator: became leader, starting lease sweeper and resource reaper")
			dutiesMu.Lock()
			defer dutiesMu.Unlock()
			if cancelDuties != nil {
				cancelDuties()
			}
			var dutyCtx context.Context
			dutyCtx, cancelDuties = context.WithCancel(sweepCtx)
			go reg.RunSweeper(dutyCtx, cfg.HeartbeatInterval)
			go rp.Run(dutyCtx)
		},
		OnResignLeader: func() {
			logger.Info().Msg("coordinator: resigned leadership, stopping lease sweeper and resource reaper")
			dutiesMu.Lock()
			defer dutiesMu.Unlock()
			if cancelDuties != nil {
				cancelDuties()
				cancelDuties = nil
			}
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct cluster coordinator")
	}

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(xglog.Middleware())
	router.Use(chimw.Recoverer)
	coord.Routes(router)
	router.Group(func(r chi.Router) {
		r.Use(leaderOnly(coord))
		reg.Routes(r)
	})
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

	go func() {
		if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("cluster coordinator run loop exited")
		}
	}()

	logger.Info().Str("addr", cfg.ListenAddr).Str("node_id", cfg.NodeID).Msg("coordinator listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("coordinator http server failed")
	}
}

// leaderOnly rejects Lease Registry calls on a follower: the in-memory
// Registry is only ever populated on the current leader, so a follower
// answering one of these directly (rather than a caller forwarding to
// the leader's address) would be silent split-brain.
func leaderOnly(coord *cluster.Coordinator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !coord.IsLeader() {
				err := vmserrors.New(vmserrors.Unavailable, "this node is not the current leader", nil)
				code, detail, _ := vmserrors.As(err)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(code.HTTPStatus())
				_, _ = fmt.Fprintf(w, `{"code":%q,"message":%q}`, code, detail)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
