// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"context"
	"encoding/json"

	vmserrors "github.com/quadrant-vms/core/internal/errors"
	"github.com/quadrant-vms/core/internal/pipeline/aitask"
	"github.com/quadrant-vms/core/internal/pipeline/recording"
	"github.com/quadrant-vms/core/internal/pipeline/stream"
	"github.com/quadrant-vms/core/internal/worker"
)

// streamPipeline adapts stream.Contract's binPath-taking Start to the
// worker.Pipeline shape by closing over the resolved ffmpeg binary path.
type streamPipeline struct {
	contract *stream.Contract
	binPath  string
}

func (p *streamPipeline) Start(ctx context.Context) error { return p.contract.Start(ctx, p.binPath) }
func (p *streamPipeline) Stop() error                     { return p.contract.Stop() }
func (p *streamPipeline) Done() <-chan error              { return p.contract.Done() }

type recordingPipeline struct {
	contract *recording.Contract
	binPath  string
}

func (p *recordingPipeline) Start(ctx context.Context) error { return p.contract.Start(ctx, p.binPath) }
func (p *recordingPipeline) Stop() error                     { return p.contract.Stop() }
func (p *recordingPipeline) Done() <-chan error               { return p.contract.Done() }
func (p *recordingPipeline) Extensions(ctx context.Context) (json.RawMessage, error) {
	return p.contract.ProbeResult(ctx)
}

// pipelineFactories builds the worker.Factories bundle wiring each kind's
// side-effect contract to its opaque per-resource config blob, resolved
// once at startup from env so every resource on this node shares the same
// ffmpeg/ffprobe binaries, storage root, uploader and plugin registry.
func pipelineFactories(storageRoot, ffmpegBin, ffprobeBin string, uploader stream.Uploader, prober recording.Prober, plugins *aitask.Registry, sources aitaskSourceResolver) worker.Factories {
	return worker.Factories{
		Stream: func(resourceID string, cfg json.RawMessage) (worker.Pipeline, error) {
			var sc stream.Config
			if err := json.Unmarshal(cfg, &sc); err != nil {
				return nil, vmserrors.New(vmserrors.Validation, "malformed stream config", err)
			}
			return &streamPipeline{contract: stream.New(resourceID, sc, storageRoot, uploader), binPath: ffmpegBin}, nil
		},
		Recording: func(resourceID string, cfg json.RawMessage) (worker.Pipeline, error) {
			var rc recording.Config
			if err := json.Unmarshal(cfg, &rc); err != nil {
				return nil, vmserrors.New(vmserrors.Validation, "malformed recording config", err)
			}
			return &recordingPipeline{contract: recording.New(resourceID, rc, storageRoot, prober), binPath: ffmpegBin}, nil
		},
		AiTask: func(resourceID string, cfg json.RawMessage) (worker.Pipeline, error) {
			var ac aitask.Config
			if err := json.Unmarshal(cfg, &ac); err != nil {
				return nil, vmserrors.New(vmserrors.Validation, "malformed ai task config", err)
			}
			source, err := sources.Resolve(ac.SourceKind, ac.SourceID)
			if err != nil {
				return nil, err
			}
			return aitask.New(resourceID, ac, plugins, source)
		},
	}
}

// aitaskSourceResolver locates the FrameSource for an AiTask's configured
// source (a running Stream or Recording on this node). It is a narrow
// seam so main.go's concrete resolver stays swappable in tests.
type aitaskSourceResolver interface {
	Resolve(sourceKind, sourceID string) (aitask.FrameSource, error)
}
