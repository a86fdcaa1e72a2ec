// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// identityRecord is the on-disk record a worker or coordinator replica
// writes about itself, so that a restart on the same machine can confirm
// it is resuming as the same node rather than a freshly provisioned one
// (spec §4.5 "Crash recovery on worker startup" assumes NodeID continuity).
type identityRecord struct {
	NodeID      string `json:"node_id"`
	FirstSeen   int64  `json:"first_seen_unix"`
	LastStarted int64  `json:"last_started_unix"`
}

// PersistIdentity atomically writes the node identity file under dataDir,
// using renameio so a crash mid-write never leaves a corrupt file for the
// next startup to read.
func PersistIdentity(dataDir, nodeID string) error {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return err
	}
	path := filepath.Join(dataDir, "node-identity.json")

	rec := identityRecord{NodeID: nodeID, FirstSeen: time.Now().Unix(), LastStarted: time.Now().Unix()}
	if existing, err := readIdentity(path); err == nil && existing.NodeID == nodeID {
		rec.FirstSeen = existing.FirstSeen
	}

	buf, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, buf, 0o640)
}

func readIdentity(path string) (identityRecord, error) {
	var rec identityRecord
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	err = json.Unmarshal(data, &rec)
	return rec, err
}

// ReadIdentity returns the node ID recorded in dataDir's identity file,
// with found=false when the file is missing or cannot be decoded. It does
// not compare the stored ID with any other node ID.
func ReadIdentity(dataDir string) (nodeID string, found bool) {
	path := filepath.Join(dataDir, "node-identity.json")
	rec, err := readIdentity(path)
	if err != nil {
		return "", false
	}
	return rec.NodeID, true
}
