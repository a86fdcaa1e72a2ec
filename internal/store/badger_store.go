// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dgraph-io/badger/v4"

	vmserrors "github.com/quadrant-vms/core/internal/errors"
	"github.com/quadrant-vms/core/internal/model"
)

// BadgerStore is a StateStore backend on top of dgraph-io/badger/v4. It is
// the one backend that lets expiry be enforced by the storage engine
// itself: lease rows are written with WithTTL so an expired lease simply
// stops existing rather than needing a sweeper to notice it, at some cost
// in precision since badger only guarantees eventual, not immediate,
// removal of expired keys.
type BadgerStore struct {
	db *badger.DB
}

const (
	leaseKeyPrefix    = "lease:"
	activeLeasePrefix = "active:"
	resourcePrefix    = "resource:"
)

func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func (s *BadgerStore) PutLease(ctx context.Context, lease model.Lease) error {
	buf, err := json.Marshal(lease)
	if err != nil {
		return err
	}
	activeKey := []byte(activeLeasePrefix + string(lease.Kind) + "/" + lease.ResourceID)

	err = s.db.Update(func(txn *badger.Txn) error {
		if item, err := txn.Get(activeKey); err == nil {
			var existingID string
			if err := item.Value(func(val []byte) error {
				existingID = string(val)
				return nil
			}); err != nil {
				return err
			}
			if existingID != lease.LeaseID {
				return ErrUniqueness()
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		ttl := time.Until(time.Unix(lease.ExpiresAtUnix, 0))
		if ttl <= 0 {
			ttl = time.Second
		}
		leaseKey := []byte(leaseKeyPrefix + lease.LeaseID)
		if err := txn.SetEntry(badger.NewEntry(leaseKey, buf).WithTTL(ttl)); err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(activeKey, []byte(lease.LeaseID)).WithTTL(ttl))
	})
	return translateBadgerErr(err)
}

func (s *BadgerStore) RenewLease(ctx context.Context, leaseID string, newExpiresAtUnix int64, expectedVersion int64) (model.Lease, error) {
	var out model.Lease
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getBadgerLease(txn, leaseID)
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
		ttl := time.Until(time.Unix(newExpiresAtUnix, 0))
		if ttl <= 0 {
			ttl = time.Second
		}
		leaseKey := []byte(leaseKeyPrefix + leaseID)
		if err := txn.SetEntry(badger.NewEntry(leaseKey, buf).WithTTL(ttl)); err != nil {
			return err
		}
		activeKey := []byte(activeLeasePrefix + string(rec.Kind) + "/" + rec.ResourceID)
		if err := txn.SetEntry(badger.NewEntry(activeKey, []byte(leaseID)).WithTTL(ttl)); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return model.Lease{}, translateBadgerErr(err)
	}
	return out, nil
}

func (s *BadgerStore) DeleteLease(ctx context.Context, leaseID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getBadgerLease(txn, leaseID)
		if err != nil {
			return nil // idempotent: already gone (deleted or TTL-expired)
		}
		if err := txn.Delete([]byte(leaseKeyPrefix + leaseID)); err != nil {
			return err
		}
		activeKey := []byte(activeLeasePrefix + string(rec.Kind) + "/" + rec.ResourceID)
		if item, err := txn.Get(activeKey); err == nil {
			var current string
			_ = item.Value(func(val []byte) error { current = string(val); return nil })
			if current == leaseID {
				return txn.Delete(activeKey)
			}
		}
		return nil
	})
	return translateBadgerErr(err)
}

func (s *BadgerStore) GetLease(ctx context.Context, leaseID string) (model.Lease, error) {
	var out model.Lease
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := getBadgerLease(txn, leaseID)
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return model.Lease{}, translateBadgerErr(err)
	}
	return out, nil
}

func getBadgerLease(txn *badger.Txn, leaseID string) (model.Lease, error) {
	item, err := txn.Get([]byte(leaseKeyPrefix + leaseID))
	if err == badger.ErrKeyNotFound {
		return model.Lease{}, ErrNotFound("lease")
	}
	if err != nil {
		return model.Lease{}, err
	}
	var rec model.Lease
	err = item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) })
	return rec, err
}

func (s *BadgerStore) GetResource(ctx context.Context, kind model.Kind, resourceID string) (model.ResourceInstance, error) {
	var out model.ResourceInstance
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(resourcePrefix + string(kind) + "/" + resourceID))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound("resource")
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &out) })
	})
	return out, translateBadgerErr(err)
}

func (s *BadgerStore) UpsertResource(ctx context.Context, inst model.ResourceInstance) error {
	buf, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	key := []byte(resourcePrefix + string(inst.Kind) + "/" + inst.ResourceID)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, buf)
	})
	return translateBadgerErr(err)
}

func (s *BadgerStore) ListResourcesByHolder(ctx context.Context, nodeID string) ([]model.ResourceInstance, error) {
	var out []model.ResourceInstance
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte(resourcePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var inst model.ResourceInstance
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &inst) }); err != nil {
				return err
			}
			if inst.HolderNodeID == nodeID {
				out = append(out, inst)
			}
		}
		return nil
	})
	return out, translateBadgerErr(err)
}

func (s *BadgerStore) ListResourcesByKind(ctx context.Context, kind model.Kind) ([]model.ResourceInstance, error) {
	var out []model.ResourceInstance
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(resourcePrefix + string(kind) + "/")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var inst model.ResourceInstance
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &inst) }); err != nil {
				return err
			}
			out = append(out, inst)
		}
		return nil
	})
	return out, translateBadgerErr(err)
}

func (s *BadgerStore) ListOrphans(ctx context.Context, kind model.Kind, graceSecs int64) ([]Orphan, error) {
	cutoff := time.Now().Unix() - graceSecs
	var out []Orphan
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(resourcePrefix + string(kind) + "/")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var inst model.ResourceInstance
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &inst) }); err != nil {
				return err
			}
			if inst.UpdatedAtUnix >= cutoff {
				continue
			}
			if inst.LeaseID != "" {
				if _, err := getBadgerLease(txn, inst.LeaseID); err == nil {
					continue // lease row still present (TTL not yet elapsed) -- not orphaned
				}
			}
			out = append(out, Orphan{Resource: inst})
		}
		return nil
	})
	return out, translateBadgerErr(err)
}

func (s *BadgerStore) DeleteResource(ctx context.Context, kind model.Kind, resourceID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(resourcePrefix + string(kind) + "/" + resourceID))
	})
	return translateBadgerErr(err)
}

// translateBadgerErr passes through errors already classified by our own
// helpers (ErrUniqueness, ErrVersionMismatch, ErrNotFound) unchanged, and
// wraps anything else as a storage-layer Unavailable failure.
func translateBadgerErr(err error) error {
	if err == nil {
		return nil
	}
	if _, _, ok := vmserrors.As(err); ok {
		return err
	}
	return ErrTransient(err)
}
