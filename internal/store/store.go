// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package store implements the State Store of spec §4.1: the durable
// record of leases and resource instances that survives coordinator
// failover and worker restarts. Three interchangeable backends are
// provided (sqlite, bbolt, badger); callers depend only on the StateStore
// interface.
package store

import (
	"context"

	"github.com/quadrant-vms/core/internal/model"
)

// Orphan pairs a resource instance with the lease it references, if any
// still exists in the durable record (it will usually be absent — that is
// what makes it an orphan).
type Orphan struct {
	Resource model.ResourceInstance
	Lease    *model.Lease
}

// StateStore is the durable backing store. All operations return a typed
// error from internal/errors (Transient -> Unavailable, Invariant -> the
// (L1) uniqueness violation) — see spec §4.1's failure-mode table.
type StateStore interface {
	// PutLease upserts a lease row keyed by LeaseID. The backend must
	// enforce (L1) — at most one row with ExpiresAtUnix > now per
	// (Kind, ResourceID) — atomically, even against concurrent writers
	// that each believe themselves leader.
	PutLease(ctx context.Context, lease model.Lease) error

	// RenewLease performs a compare-and-swap on Version. Returns
	// errors.Conflict (VersionMismatch) if expectedVersion is stale.
	RenewLease(ctx context.Context, leaseID string, newExpiresAtUnix int64, expectedVersion int64) (model.Lease, error)

	// DeleteLease is idempotent: deleting a lease that does not exist is
	// not an error (spec (P8)).
	DeleteLease(ctx context.Context, leaseID string) error

	// GetLease fetches a single lease by ID.
	GetLease(ctx context.Context, leaseID string) (model.Lease, error)

	GetResource(ctx context.Context, kind model.Kind, resourceID string) (model.ResourceInstance, error)

	// UpsertResource is a full-row replacement; no partial merges.
	UpsertResource(ctx context.Context, instance model.ResourceInstance) error

	ListResourcesByHolder(ctx context.Context, nodeID string) ([]model.ResourceInstance, error)

	// ListResourcesByKind returns every resource instance row of kind,
	// regardless of holder or state -- the Gateway's list endpoints (spec
	// §6 "GET /streams" and its Recording/AiTask counterparts) need every
	// Starting/Running/Stopped/Error row, not just the ones with a current
	// holder, so this must not be implemented in terms of
	// ListResourcesByHolder.
	ListResourcesByKind(ctx context.Context, kind model.Kind) ([]model.ResourceInstance, error)

	// ListOrphans returns instances of kind whose LeaseID has no matching
	// active lease and whose UpdatedAtUnix is older than graceSecs.
	ListOrphans(ctx context.Context, kind model.Kind, graceSecs int64) ([]Orphan, error)

	// DeleteResource removes a resource instance row (used by the reaper
	// after ListOrphans confirms eligibility, and by storectl's
	// delete-resource command).
	DeleteResource(ctx context.Context, kind model.Kind, resourceID string) error

	Close() error
}
