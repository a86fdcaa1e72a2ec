// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"context"
	"encoding/json"

	vmserrors "github.com/quadrant-vms/core/internal/errors"
	"github.com/quadrant-vms/core/internal/model"
	"github.com/quadrant-vms/core/internal/pipeline/aitask"
	"github.com/quadrant-vms/core/internal/pipeline/recording"
	"github.com/quadrant-vms/core/internal/pipeline/stream"
	"github.com/quadrant-vms/core/internal/store"
)

// storeSourceResolver satisfies aitaskSourceResolver by reading the named
// Stream/Recording resource's own config back out of the State Store,
// extracting its source_uri, and pointing a fresh FFmpegFrameSource at
// the same feed. This only works for a source currently held on this
// node or visible in the durable record -- there is no cross-node frame
// proxy in this design, matching spec §4.5's "runs where its source
// runs" placement note.
type storeSourceResolver struct {
	st        store.StateStore
	ffmpegBin string
	frameSize int
}

func newStoreSourceResolver(st store.StateStore, ffmpegBin string, frameSize int) *storeSourceResolver {
	return &storeSourceResolver{st: st, ffmpegBin: ffmpegBin, frameSize: frameSize}
}

func (r *storeSourceResolver) Resolve(sourceKind, sourceID string) (aitask.FrameSource, error) {
	kind, err := model.ParseKind(sourceKind)
	if err != nil {
		return nil, vmserrors.New(vmserrors.Validation, "unknown ai task source kind", err)
	}

	inst, err := r.st.GetResource(context.Background(), kind, sourceID)
	if err != nil {
		return nil, vmserrors.New(vmserrors.Validation, "ai task source resource not found", err)
	}

	sourceURI, err := extractSourceURI(kind, inst.Config)
	if err != nil {
		return nil, err
	}

	return aitask.FFmpegFrameSource{
		BinPath:   r.ffmpegBin,
		SourceURI: sourceURI,
		FrameSize: r.frameSize,
	}, nil
}

func extractSourceURI(kind model.Kind, cfg json.RawMessage) (string, error) {
	switch kind {
	case model.KindStream:
		var sc stream.Config
		if err := json.Unmarshal(cfg, &sc); err != nil {
			return "", vmserrors.New(vmserrors.Invariant, "decode stream source config", err)
		}
		return sc.SourceURI, nil
	case model.KindRecording:
		var rc recording.Config
		if err := json.Unmarshal(cfg, &rc); err != nil {
			return "", vmserrors.New(vmserrors.Invariant, "decode recording source config", err)
		}
		return rc.SourceURI, nil
	default:
		return "", vmserrors.New(vmserrors.Validation, "ai task source kind must be Stream or Recording", nil)
	}
}
