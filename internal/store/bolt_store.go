// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/quadrant-vms/core/internal/model"
)

var (
	bucketLeases    = []byte("b_leases")
	bucketResources = []byte("b_resources")
)

// BoltStore is a StateStore backend on top of go.etcd.io/bbolt, suited to
// single-coordinator deployments where an external relational database is
// undesirable operational overhead. Uniqueness (L1) is enforced under the
// same bolt.Tx that reads the current lease row, so bbolt's single-writer
// transaction model gives us the invariant for free without a partial
// index.
type BoltStore struct {
	db *bolt.DB
}

type leaseRecord struct {
	LeaseID       string `json:"lease_id"`
	ResourceID    string `json:"resource_id"`
	Kind          string `json:"kind"`
	HolderID      string `json:"holder_id"`
	ExpiresAtUnix int64  `json:"expires_at_unix"`
	Version       int64  `json:"version"`
}

func (r leaseRecord) toModel() model.Lease {
	return model.Lease{
		LeaseID:       r.LeaseID,
		ResourceID:    r.ResourceID,
		Kind:          model.Kind(r.Kind),
		HolderID:      r.HolderID,
		ExpiresAtUnix: r.ExpiresAtUnix,
		Version:       r.Version,
	}
}

func leaseRecordFromModel(l model.Lease) leaseRecord {
	return leaseRecord{
		LeaseID:       l.LeaseID,
		ResourceID:    l.ResourceID,
		Kind:          string(l.Kind),
		HolderID:      l.HolderID,
		ExpiresAtUnix: l.ExpiresAtUnix,
		Version:       l.Version,
	}
}

// resourceKey returns the bolt key used for a resource_instances row: the
// (kind, resource_id) composite, since bbolt has no secondary indexes.
func resourceKey(kind model.Kind, resourceID string) []byte {
	return []byte(string(kind) + "/" + resourceID)
}

// activeLeaseKey returns the key used to look up whether an active lease
// already exists for a (kind, resource_id) pair, kept alongside the
// lease-id-keyed row so a reader never has to scan the whole bucket to
// enforce (L1).
func activeLeaseKey(kind model.Kind, resourceID string) []byte {
	return []byte("active/" + string(kind) + "/" + resourceID)
}

// OpenBoltStore opens (creating if absent) a bbolt database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt store path required")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketLeases, bucketResources} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init bolt buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Close() error { return b.db.Close() }

func (b *BoltStore) PutLease(ctx context.Context, lease model.Lease) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketLeases)
		activeKey := activeLeaseKey(lease.Kind, lease.ResourceID)

		if existingID := bkt.Get(activeKey); existingID != nil && string(existingID) != lease.LeaseID {
			existing, err := getLeaseRecord(bkt, string(existingID))
			if err == nil && time.Now().Unix() < existing.ExpiresAtUnix {
				return ErrUniqueness()
			}
		}

		rec := leaseRecordFromModel(lease)
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := bkt.Put([]byte(lease.LeaseID), buf); err != nil {
			return err
		}
		return bkt.Put(activeKey, []byte(lease.LeaseID))
	})
}

func (b *BoltStore) RenewLease(ctx context.Context, leaseID string, newExpiresAtUnix int64, expectedVersion int64) (model.Lease, error) {
	var out model.Lease
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketLeases)
		rec, err := getLeaseRecord(bkt, leaseID)
		if err != nil {
			return err
		}
		if rec.Version != expectedVersion {
			return ErrVersionMismatch()
		}
		rec.ExpiresAtUnix = newExpiresAtUnix
		rec.Version++
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := bkt.Put([]byte(leaseID), buf); err != nil {
			return err
		}
		out = rec.toModel()
		return nil
	})
	if err != nil {
		return model.Lease{}, err
	}
	return out, nil
}

func (b *BoltStore) DeleteLease(ctx context.Context, leaseID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketLeases)
		rec, err := getLeaseRecord(bkt, leaseID)
		if err != nil {
			return nil // deleting an absent lease is a no-op (idempotent)
		}
		if err := bkt.Delete([]byte(leaseID)); err != nil {
			return err
		}
		activeKey := activeLeaseKey(rec.Kind, rec.ResourceID)
		if current := bkt.Get(activeKey); current != nil && string(current) == leaseID {
			return bkt.Delete(activeKey)
		}
		return nil
	})
}

func (b *BoltStore) GetLease(ctx context.Context, leaseID string) (model.Lease, error) {
	var out model.Lease
	err := b.db.View(func(tx *bolt.Tx) error {
		rec, err := getLeaseRecord(tx.Bucket(bucketLeases), leaseID)
		if err != nil {
			return err
		}
		out = rec.toModel()
		return nil
	})
	return out, err
}

func getLeaseRecord(bkt *bolt.Bucket, leaseID string) (leaseRecord, error) {
	val := bkt.Get([]byte(leaseID))
	if val == nil {
		return leaseRecord{}, ErrNotFound("lease")
	}
	var rec leaseRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return leaseRecord{}, ErrTransient(err)
	}
	return rec, nil
}

func (b *BoltStore) GetResource(ctx context.Context, kind model.Kind, resourceID string) (model.ResourceInstance, error) {
	var out model.ResourceInstance
	err := b.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(bucketResources).Get(resourceKey(kind, resourceID))
		if val == nil {
			return ErrNotFound("resource")
		}
		return json.Unmarshal(val, &out)
	})
	return out, err
}

func (b *BoltStore) UpsertResource(ctx context.Context, inst model.ResourceInstance) error {
	buf, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResources).Put(resourceKey(inst.Kind, inst.ResourceID), buf)
	})
}

func (b *BoltStore) ListResourcesByHolder(ctx context.Context, nodeID string) ([]model.ResourceInstance, error) {
	var out []model.ResourceInstance
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResources).ForEach(func(k, v []byte) error {
			var inst model.ResourceInstance
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			if inst.HolderNodeID == nodeID {
				out = append(out, inst)
			}
			return nil
		})
	})
	return out, err
}

func (b *BoltStore) ListResourcesByKind(ctx context.Context, kind model.Kind) ([]model.ResourceInstance, error) {
	var out []model.ResourceInstance
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResources).ForEach(func(k, v []byte) error {
			var inst model.ResourceInstance
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			if inst.Kind == kind {
				out = append(out, inst)
			}
			return nil
		})
	})
	return out, err
}

func (b *BoltStore) ListOrphans(ctx context.Context, kind model.Kind, graceSecs int64) ([]Orphan, error) {
	cutoff := time.Now().Unix() - graceSecs
	var out []Orphan
	err := b.db.View(func(tx *bolt.Tx) error {
		leaseBkt := tx.Bucket(bucketLeases)
		return tx.Bucket(bucketResources).ForEach(func(k, v []byte) error {
			var inst model.ResourceInstance
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			if inst.Kind != kind || inst.UpdatedAtUnix >= cutoff {
				return nil
			}
			if inst.LeaseID != "" {
				if rec, err := getLeaseRecord(leaseBkt, inst.LeaseID); err == nil && time.Now().Unix() < rec.ExpiresAtUnix {
					return nil // still has a live lease, not an orphan
				}
			}
			out = append(out, Orphan{Resource: inst})
			return nil
		})
	})
	return out, err
}

func (b *BoltStore) DeleteResource(ctx context.Context, kind model.Kind, resourceID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResources).Delete(resourceKey(kind, resourceID))
	})
}
