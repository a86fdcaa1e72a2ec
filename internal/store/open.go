// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"fmt"
)

// Open constructs the StateStore backend named by backend ("sqlite",
// "bolt", "badger", or "memory"), pointed at path. Callers get this from
// config.Config.StoreBackend / StorePath so the backend choice is a pure
// deployment-time decision, never a compile-time one.
func Open(backend, path string) (StateStore, error) {
	switch backend {
	case "sqlite":
		return OpenSQLiteStore(path)
	case "bolt":
		return OpenBoltStore(path)
	case "badger":
		return OpenBadgerStore(path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
