// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package aitask implements the AiTask side-effect contract (spec §4.5):
// a frame consumer pulling from a stream or recording and feeding a
// narrow-interface inference plugin selected by identifier in the task
// configuration.
package aitask

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	vmserrors "github.com/quadrant-vms/core/internal/errors"
)

// Frame is one unit of input handed to a Plugin. The core never
// interprets its payload.
type Frame struct {
	SequenceNo int64
	PTS        int64
	Payload    []byte
}

// Detection is one plugin-produced result for a Frame.
type Detection struct {
	Label      string  `json:"label"`
	Score      float64 `json:"score"`
	BoundingBox [4]float64 `json:"bounding_box,omitempty"`
}

// Plugin is the narrow capability interface spec §4.5 requires: plugins
// never see anything about leases, workers, or the State Store.
type Plugin interface {
	Initialise(ctx context.Context, config json.RawMessage) error
	Process(ctx context.Context, frame Frame) ([]Detection, error)
	Shutdown(ctx context.Context) error
}

// Factory constructs a fresh Plugin instance for one AiTask resource.
type Factory func() Plugin

// Registry maps plugin identifiers (as carried in task config) to
// Factories. An unknown ID fails in New, which the worker calls when it
// builds an AiTask pipeline for a start request, before any frame is
// processed. The Gateway checks only the ID's character set, so by then
// the lease has already been granted.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a plugin factory under identifier. Re-registering the
// same identifier replaces it, which is useful for tests.
func (r *Registry) Register(identifier string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[identifier] = f
}

// New looks up identifier and constructs a fresh Plugin instance.
func (r *Registry) New(identifier string) (Plugin, error) {
	r.mu.RLock()
	f, ok := r.factories[identifier]
	r.mu.RUnlock()
	if !ok {
		return nil, vmserrors.New(vmserrors.Validation, fmt.Sprintf("unknown ai plugin %q", identifier), nil)
	}
	return f(), nil
}

// Has reports whether identifier is registered. Only tests call it; the
// Gateway's input validation does not.
func (r *Registry) Has(identifier string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[identifier]
	return ok
}
