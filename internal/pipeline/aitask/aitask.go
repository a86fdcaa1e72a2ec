// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package aitask

import (
	"context"
	"encoding/json"
	"sync"

	vmserrors "github.com/quadrant-vms/core/internal/errors"
	"github.com/quadrant-vms/core/internal/log"
)

// Config is the opaque, AiTask-specific configuration.
type Config struct {
	SourceKind   string          `json:"source_kind"` // "Stream" | "Recording"
	SourceID     string          `json:"source_id"`
	PluginID     string          `json:"plugin_id"`
	PluginConfig json.RawMessage `json:"plugin_config,omitempty"`
}

// FrameSource feeds frames pulled from a stream or recording. It closes
// its returned channel once the underlying source ends or ctx is done.
type FrameSource interface {
	Frames(ctx context.Context) (<-chan Frame, error)
}

const maxRetainedDetections = 200

// Contract drives one AiTask resource's plugin lifecycle end to end.
type Contract struct {
	resourceID string
	cfg        Config
	plugin     Plugin
	source     FrameSource

	mu         sync.Mutex
	detections []Detection

	cancel context.CancelFunc
	done   chan error
}

func New(resourceID string, cfg Config, registry *Registry, source FrameSource) (*Contract, error) {
	plugin, err := registry.New(cfg.PluginID)
	if err != nil {
		return nil, err
	}
	return &Contract{
		resourceID: resourceID,
		cfg:        cfg,
		plugin:     plugin,
		source:     source,
		done:       make(chan error, 1),
	}, nil
}

// Start initialises the plugin and launches the frame consumption loop on
// a context this Contract owns, so a later Stop can end consumption
// without relying on the caller's (shared, longer-lived) ctx being
// cancelled.
func (c *Contract) Start(ctx context.Context) error {
	if err := c.plugin.Initialise(ctx, c.cfg.PluginConfig); err != nil {
		return vmserrors.New(vmserrors.Invariant, "initialise ai plugin", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	frames, err := c.source.Frames(runCtx)
	if err != nil {
		cancel()
		return vmserrors.New(vmserrors.Unavailable, "open ai task frame source", err)
	}
	go c.consume(runCtx, frames)
	return nil
}

// Stop ends frame consumption and shuts the plugin down. Idempotent.
func (c *Contract) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *Contract) consume(ctx context.Context, frames <-chan Frame) {
	for {
		select {
		case <-ctx.Done():
			c.shutdown(context.Background())
			c.done <- nil
			return
		case frame, ok := <-frames:
			if !ok {
				c.shutdown(context.Background())
				c.done <- nil
				return
			}
			dets, err := c.plugin.Process(ctx, frame)
			if err != nil {
				log.L().Warn().Str("resource_id", c.resourceID).Err(err).Msg("aitask: plugin process failed")
				continue
			}
			c.recordDetections(dets)
		}
	}
}

func (c *Contract) recordDetections(dets []Detection) {
	if len(dets) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detections = append(c.detections, dets...)
	if over := len(c.detections) - maxRetainedDetections; over > 0 {
		c.detections = c.detections[over:]
	}
}

func (c *Contract) shutdown(ctx context.Context) {
	if err := c.plugin.Shutdown(ctx); err != nil {
		log.L().Warn().Str("resource_id", c.resourceID).Err(err).Msg("aitask: plugin shutdown failed")
	}
}

// Done reports the consumption loop's terminal outcome.
func (c *Contract) Done() <-chan error { return c.done }

// Extensions marshals the currently retained detections for storage in
// model.ResourceInstance.Extensions. ctx is unused but keeps the method
// shape consistent with the other side-effect contracts' Extractor.
func (c *Contract) Extensions(ctx context.Context) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, err := json.Marshal(c.detections)
	if err != nil {
		return nil, vmserrors.New(vmserrors.Invariant, "marshal ai task detections", err)
	}
	return raw, nil
}
