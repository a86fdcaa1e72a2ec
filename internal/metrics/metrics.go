// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package metrics defines the Prometheus collectors shared across the
// coordinator, gateway and worker binaries, following the teacher's
// internal/pipeline/worker/metrics.go naming convention: short, stable
// metric names plus a small, bounded label set.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Lease Registry
	LeaseAcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vms_lease_acquire_total",
		Help: "Total lease acquire attempts by kind and outcome.",
	}, []string{"kind", "outcome"})

	LeaseRenewTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vms_lease_renew_total",
		Help: "Total lease renew attempts by kind and outcome.",
	}, []string{"kind", "outcome"})

	LeaseActiveGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vms_lease_active",
		Help: "Current number of active leases by kind.",
	}, []string{"kind"})

	LeaseSweepExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vms_lease_sweep_expired_total",
		Help: "Total leases removed from the in-memory table by the sweeper.",
	})

	// Cluster Coordinator
	ElectionTermGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vms_cluster_term",
		Help: "Current election term observed by this replica.",
	})

	ElectionRoleGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vms_cluster_role",
		Help: "1 if this replica currently holds the named role, else 0.",
	}, []string{"role"})

	ElectionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vms_cluster_elections_started_total",
		Help: "Total elections this replica has started as a candidate.",
	})

	ForwardedRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vms_cluster_forwarded_requests_total",
		Help: "Total lease mutations forwarded from a follower to the leader.",
	}, []string{"op", "outcome"})

	// Worker Runtime
	ResourceStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vms_worker_resources",
		Help: "Current number of managed resources by kind and state.",
	}, []string{"kind", "state"})

	ControlLoopRenewTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vms_worker_renew_total",
		Help: "Total renew attempts issued by worker control loops.",
	}, []string{"kind", "outcome"})

	PipelineRestartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vms_worker_pipeline_restart_total",
		Help: "Total supervised pipeline exits by kind and outcome.",
	}, []string{"kind", "outcome"})

	RecoveryMarkedErrorTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vms_worker_recovery_marked_error_total",
		Help: "Total resources marked Error during crash-recovery sweep on startup.",
	})

	// Reaper
	ReapedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vms_reaper_reaped_total",
		Help: "Total orphan resource instances deleted by the reaper.",
	}, []string{"kind"})

	// Gateway
	GatewayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vms_gateway_requests_total",
		Help: "Total gateway requests by route and status class.",
	}, []string{"route", "status_class"})

	BusDropTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vms_bus_drop_total",
		Help: "Total events dropped by the in-process bus by reason.",
	}, []string{"topic", "reason"})
)
