// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quadrant-vms/core/internal/model"
)

// SQLiteStore is the primary relational State Store. Invariant (L1) --
// at most one row with expires_at_epoch_secs > now per (kind,
// resource_id) -- cannot be expressed as a CREATE INDEX predicate, since
// "not yet expired" is relative to the clock at write time, not a fixed
// condition any row's columns satisfy forever; a static partial index on
// expires_at_epoch_secs > 0 would instead make every (kind, resource_id)
// unique for all time, well past any lease's actual expiry. PutLease
// therefore enforces (L1) itself inside an explicit transaction, reading
// the current active lease and re-checking its expiry before writing,
// the same time-relative check internal/store/bolt_store.go's
// activeLeaseKey lookup and internal/store/memory_store.go's active map
// perform under their own single-writer guarantees. db.SetMaxOpenConns(1)
// serializes every writer through this one connection, so the
// read-then-write here is as atomic as bbolt's single-writer
// transaction model.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS leases (
	lease_id   TEXT PRIMARY KEY,
	resource_id TEXT NOT NULL,
	kind        TEXT NOT NULL,
	holder_id   TEXT NOT NULL,
	expires_at_epoch_secs INTEGER NOT NULL,
	version     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leases_resource
	ON leases(kind, resource_id);

CREATE TABLE IF NOT EXISTS resource_instances (
	resource_id     TEXT NOT NULL,
	kind            TEXT NOT NULL,
	config          TEXT,
	state           TEXT NOT NULL,
	holder_node_id  TEXT,
	lease_id        TEXT,
	last_error      TEXT,
	extensions      TEXT,
	started_at      INTEGER,
	stopped_at      INTEGER,
	updated_at      INTEGER NOT NULL,
	PRIMARY KEY (kind, resource_id)
);
`

// OpenSQLiteStore opens (and migrates forward, per spec §6) a SQLite
// database at path using the pure-Go modernc.org/sqlite driver (no cgo).
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers across connections
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) PutLease(ctx context.Context, lease model.Lease) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ErrTransient(err)
	}
	defer func() { _ = tx.Rollback() }()

	// (L1): reject if some other lease_id for this (kind, resource_id) is
	// still active as of now -- the time-relative check a static index
	// predicate cannot express.
	var conflicting int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM leases
		WHERE kind = ? AND resource_id = ? AND lease_id <> ? AND expires_at_epoch_secs > ?
	`, lease.Kind, lease.ResourceID, lease.LeaseID, time.Now().Unix()).Scan(&conflicting)
	if err != nil {
		return ErrTransient(err)
	}
	if conflicting > 0 {
		return ErrUniqueness()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO leases (lease_id, resource_id, kind, holder_id, expires_at_epoch_secs, version)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(lease_id) DO UPDATE SET
			resource_id = excluded.resource_id,
			kind = excluded.kind,
			holder_id = excluded.holder_id,
			expires_at_epoch_secs = excluded.expires_at_epoch_secs,
			version = excluded.version
	`, lease.LeaseID, lease.ResourceID, lease.Kind, lease.HolderID, lease.ExpiresAtUnix, lease.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUniqueness()
		}
		return ErrTransient(err)
	}

	if err := tx.Commit(); err != nil {
		return ErrTransient(err)
	}
	return nil
}

func (s *SQLiteStore) RenewLease(ctx context.Context, leaseID string, newExpiresAtUnix int64, expectedVersion int64) (model.Lease, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases SET expires_at_epoch_secs = ?, version = version + 1
		WHERE lease_id = ? AND version = ?
	`, newExpiresAtUnix, leaseID, expectedVersion)
	if err != nil {
		return model.Lease{}, ErrTransient(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Lease{}, ErrTransient(err)
	}
	if n == 0 {
		return model.Lease{}, ErrVersionMismatch()
	}
	return s.GetLease(ctx, leaseID)
}

func (s *SQLiteStore) DeleteLease(ctx context.Context, leaseID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE lease_id = ?`, leaseID)
	if err != nil {
		return ErrTransient(err)
	}
	return nil
}

func (s *SQLiteStore) GetLease(ctx context.Context, leaseID string) (model.Lease, error) {
	var l model.Lease
	row := s.db.QueryRowContext(ctx, `
		SELECT lease_id, resource_id, kind, holder_id, expires_at_epoch_secs, version
		FROM leases WHERE lease_id = ?`, leaseID)
	if err := row.Scan(&l.LeaseID, &l.ResourceID, &l.Kind, &l.HolderID, &l.ExpiresAtUnix, &l.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Lease{}, ErrNotFound("lease")
		}
		return model.Lease{}, ErrTransient(err)
	}
	return l, nil
}

func (s *SQLiteStore) GetResource(ctx context.Context, kind model.Kind, resourceID string) (model.ResourceInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT resource_id, kind, config, state, holder_node_id, lease_id, last_error, extensions, started_at, stopped_at, updated_at
		FROM resource_instances WHERE kind = ? AND resource_id = ?`, kind, resourceID)
	inst, err := scanResource(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ResourceInstance{}, ErrNotFound("resource")
		}
		return model.ResourceInstance{}, ErrTransient(err)
	}
	return inst, nil
}

func (s *SQLiteStore) UpsertResource(ctx context.Context, inst model.ResourceInstance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resource_instances (resource_id, kind, config, state, holder_node_id, lease_id, last_error, extensions, started_at, stopped_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, resource_id) DO UPDATE SET
			config = excluded.config,
			state = excluded.state,
			holder_node_id = excluded.holder_node_id,
			lease_id = excluded.lease_id,
			last_error = excluded.last_error,
			extensions = excluded.extensions,
			started_at = excluded.started_at,
			stopped_at = excluded.stopped_at,
			updated_at = excluded.updated_at
	`, inst.ResourceID, inst.Kind, string(inst.Config), inst.State, nullable(inst.HolderNodeID), nullable(inst.LeaseID),
		nullable(inst.LastError), string(inst.Extensions), nullableInt(inst.StartedAtUnix), nullableInt(inst.StoppedAtUnix), inst.UpdatedAtUnix)
	if err != nil {
		return ErrTransient(err)
	}
	return nil
}

func (s *SQLiteStore) ListResourcesByHolder(ctx context.Context, nodeID string) ([]model.ResourceInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_id, kind, config, state, holder_node_id, lease_id, last_error, extensions, started_at, stopped_at, updated_at
		FROM resource_instances WHERE holder_node_id = ?`, nodeID)
	if err != nil {
		return nil, ErrTransient(err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ResourceInstance
	for rows.Next() {
		inst, err := scanResource(rows)
		if err != nil {
			return nil, ErrTransient(err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListResourcesByKind(ctx context.Context, kind model.Kind) ([]model.ResourceInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_id, kind, config, state, holder_node_id, lease_id, last_error, extensions, started_at, stopped_at, updated_at
		FROM resource_instances WHERE kind = ?`, kind)
	if err != nil {
		return nil, ErrTransient(err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ResourceInstance
	for rows.Next() {
		inst, err := scanResource(rows)
		if err != nil {
			return nil, ErrTransient(err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListOrphans(ctx context.Context, kind model.Kind, graceSecs int64) ([]Orphan, error) {
	cutoff := time.Now().Unix() - graceSecs
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.resource_id, r.kind, r.config, r.state, r.holder_node_id, r.lease_id, r.last_error, r.extensions, r.started_at, r.stopped_at, r.updated_at
		FROM resource_instances r
		LEFT JOIN leases l ON l.lease_id = r.lease_id AND l.expires_at_epoch_secs > ?
		WHERE r.kind = ? AND r.updated_at < ? AND l.lease_id IS NULL
	`, time.Now().Unix(), kind, cutoff)
	if err != nil {
		return nil, ErrTransient(err)
	}
	defer func() { _ = rows.Close() }()

	var out []Orphan
	for rows.Next() {
		inst, err := scanResource(rows)
		if err != nil {
			return nil, ErrTransient(err)
		}
		out = append(out, Orphan{Resource: inst})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteResource(ctx context.Context, kind model.Kind, resourceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM resource_instances WHERE kind = ? AND resource_id = ?`, kind, resourceID)
	if err != nil {
		return ErrTransient(err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResource(row scanner) (model.ResourceInstance, error) {
	var inst model.ResourceInstance
	var config, extensions sql.NullString
	var holder, leaseID, lastError sql.NullString
	var started, stopped sql.NullInt64
	err := row.Scan(&inst.ResourceID, &inst.Kind, &config, &inst.State, &holder, &leaseID, &lastError, &extensions, &started, &stopped, &inst.UpdatedAtUnix)
	if err != nil {
		return model.ResourceInstance{}, err
	}
	if config.Valid {
		inst.Config = json.RawMessage(config.String)
	}
	if extensions.Valid {
		inst.Extensions = json.RawMessage(extensions.String)
	}
	inst.HolderNodeID = holder.String
	inst.LeaseID = leaseID.String
	inst.LastError = lastError.String
	inst.StartedAtUnix = started.Int64
	inst.StoppedAtUnix = stopped.Int64
	return inst, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces SQLite's result code in the error text;
	// there is no typed sentinel exported for "UNIQUE constraint failed".
	return err != nil && (containsFold(err.Error(), "UNIQUE constraint") || containsFold(err.Error(), "constraint failed"))
}

func containsFold(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if equalFold(haystack[i:i+len(needle)], needle) {
				return true
			}
		}
		return false
	})()
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
