// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package recording implements the Recording side-effect contract (spec
// §4.5): a supervised long-lived capture process writing a single
// container file (or HLS tree) under a deterministic storage root, probed
// on completion to extract metadata for the resource's Extensions field.
package recording

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"

	vmserrors "github.com/quadrant-vms/core/internal/errors"
	"github.com/quadrant-vms/core/internal/log"
	"github.com/quadrant-vms/core/internal/pipeline/procexec"
)

// Config is the opaque recording-specific configuration.
type Config struct {
	SourceURI string `json:"source_uri"`
	Codec     string `json:"codec"`
	Container string `json:"container"`
}

// Metadata is the probed result recorded into the resource's Extensions
// field once capture finishes (spec §4.5 "probes the output... duration,
// resolution, codec, file size, fps").
type Metadata struct {
	DurationSecs float64 `json:"duration_secs"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	Codec        string  `json:"codec"`
	SizeBytes    int64   `json:"size_bytes"`
	FPS          float64 `json:"fps"`
}

// Prober extracts Metadata from a finished output file. FFprobeProber is
// the production implementation; tests supply a stub.
type Prober interface {
	Probe(ctx context.Context, path string) (Metadata, error)
}

// Contract supervises one recording's capture process.
type Contract struct {
	resourceID string
	cfg        Config
	outputPath string
	prober     Prober

	runner *procexec.Runner
}

// OutputPath derives the deterministic, per-(kind,resource) capture file
// path (mirrors stream.OutputDir's discoverability guarantee).
func OutputPath(storageRoot, resourceID, container string) string {
	if container == "" {
		container = "mp4"
	}
	return filepath.Join(storageRoot, "recording", resourceID+"."+container)
}

func New(resourceID string, cfg Config, storageRoot string, prober Prober) *Contract {
	return &Contract{
		resourceID: resourceID,
		cfg:        cfg,
		outputPath: OutputPath(storageRoot, resourceID, cfg.Container),
		prober:     prober,
	}
}

func (c *Contract) Start(ctx context.Context, binPath string) error {
	if err := os.MkdirAll(filepath.Dir(c.outputPath), 0o755); err != nil {
		return vmserrors.New(vmserrors.Invariant, "create recording output directory", err)
	}
	if binPath == "" {
		binPath = "ffmpeg"
	}

	c.runner = procexec.New(procexec.Spec{
		Kind: "recording",
		Build: func(ctx context.Context, attempt int) (*exec.Cmd, error) {
			return exec.CommandContext(ctx, binPath, c.captureArgs()...), nil
		},
	})
	c.runner.Start(ctx)
	return nil
}

func (c *Contract) captureArgs() []string {
	return []string{"-i", c.cfg.SourceURI, "-c", "copy", c.outputPath}
}

// Done reports the pipeline's terminal outcome.
func (c *Contract) Done() <-chan error {
	return c.runner.Done()
}

// Stop tears down the capture process. It deliberately does not remove
// the output file: a recording's file is the deliverable, not scratch
// state, and its retention is governed by the storage-quota sweep spec.md
// notes as existing outside this contract's scope.
func (c *Contract) Stop() error {
	return c.runner.Stop()
}

// ProbeResult runs the configured Prober against the finished output and
// marshals the result for storage in model.ResourceInstance.Extensions.
func (c *Contract) ProbeResult(ctx context.Context) (json.RawMessage, error) {
	if c.prober == nil {
		return nil, nil
	}
	meta, err := c.prober.Probe(ctx, c.outputPath)
	if err != nil {
		log.L().Warn().Str("resource_id", c.resourceID).Err(err).Msg("recording: probe failed")
		return nil, vmserrors.New(vmserrors.Invariant, "probe recording output", err)
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, vmserrors.New(vmserrors.Invariant, "marshal recording metadata", err)
	}
	return raw, nil
}
