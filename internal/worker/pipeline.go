// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package worker implements the Worker Runtime of spec §4.5: a bounded
// concurrent resource manager per kind, each running a per-resource
// control loop that renews its lease, supervises the kind's side effect,
// and reports state transitions back to the State Store.
package worker

import (
	"context"
	"encoding/json"
)

// Pipeline is the shape common to the Stream, Recording and AiTask
// side-effect contracts, as seen by the control loop: start it, stop it,
// observe its terminal outcome. Kind-specific setup (binary path, plugin
// registry, frame sources, ...) is captured in the PipelineFactory
// closure, not in this interface.
type Pipeline interface {
	Start(ctx context.Context) error
	Stop() error
	Done() <-chan error
}

// Extractor optionally yields a final JSON blob to persist into the
// resource's Extensions column once its pipeline reaches a terminal
// state (Recording's probed metadata, AiTask's retained detections).
// Pipelines that have nothing to report simply don't implement it.
type Extractor interface {
	Extensions(ctx context.Context) (json.RawMessage, error)
}

// PipelineFactory builds a fresh Pipeline for one resource instance. cfg
// is the resource's opaque, kind-specific configuration blob.
type PipelineFactory func(resourceID string, cfg json.RawMessage) (Pipeline, error)
