// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package lease provides a canonical key-naming scheme mapping a
// (kind, resource) pair to a lease key. No other package in this
// repository imports it; the Lease Registry and the State Store backends
// key leases by lease ID and (kind, resource_id) directly.
package lease

import "github.com/quadrant-vms/core/internal/model"

const (
	prefixStream    = "stream:"
	prefixRecording = "recording:"
	prefixAiTask    = "aitask:"
)

// Key returns the canonical lease key for a (kind, resourceID) pair.
func Key(kind model.Kind, resourceID string) string {
	return prefixForKind(kind) + resourceID
}

func prefixForKind(kind model.Kind) string {
	switch kind {
	case model.KindStream:
		return prefixStream
	case model.KindRecording:
		return prefixRecording
	case model.KindAiTask:
		return prefixAiTask
	default:
		return "unknown:"
	}
}
