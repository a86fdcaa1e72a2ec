// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package stream implements the Stream side-effect contract (spec §4.5):
// a supervised transcode of a pulled source into a segmented output tree,
// with optional background uploads of finished segments to object
// storage. Output directory and uploader lifetime are tracked together so
// both tear down deterministically on Stop.
package stream

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	vmserrors "github.com/quadrant-vms/core/internal/errors"
	"github.com/quadrant-vms/core/internal/log"
	"github.com/quadrant-vms/core/internal/pipeline/procexec"
)

// Config is the opaque, stream-specific configuration carried in
// model.ResourceInstance.Config.
type Config struct {
	SourceURI string `json:"source_uri"`
	Codec     string `json:"codec"`
	Container string `json:"container"`
	Bucket    string `json:"bucket,omitempty"`
}

// Uploader pushes a finished segment file to object storage. Implemented
// by S3Uploader; a nil Uploader disables uploads entirely.
type Uploader interface {
	Upload(ctx context.Context, objectKey, localPath string) error
}

// Contract supervises one stream's transcode pipeline and, optionally,
// its segment uploader.
type Contract struct {
	resourceID string
	cfg        Config
	outputDir  string
	uploader   Uploader

	runner *procexec.Runner

	mu       sync.Mutex
	uploadWG sync.WaitGroup
	stopping bool
}

// OutputDir derives the deterministic, per-(kind,resource) output root
// used for a stream's segmented HLS/fMP4 tree (spec §6 "Persisted state
// layout"): a worker that restarts on the same node can discover it
// without consulting the State Store.
func OutputDir(storageRoot, resourceID string) string {
	return filepath.Join(storageRoot, "stream", resourceID)
}

// New constructs a Contract. uploader may be nil when cfg.Bucket is empty.
func New(resourceID string, cfg Config, storageRoot string, uploader Uploader) *Contract {
	return &Contract{
		resourceID: resourceID,
		cfg:        cfg,
		outputDir:  OutputDir(storageRoot, resourceID),
		uploader:   uploader,
	}
}

// Start creates the output directory and launches the supervised
// transcode process. It returns once the process has been started, not
// once it reaches steady state — callers observe that via Done.
func (c *Contract) Start(ctx context.Context, binPath string) error {
	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		return vmserrors.New(vmserrors.Invariant, "create stream output directory", err)
	}
	if binPath == "" {
		binPath = "ffmpeg"
	}

	c.runner = procexec.New(procexec.Spec{
		Kind: "stream",
		Build: func(ctx context.Context, attempt int) (*exec.Cmd, error) {
			return exec.CommandContext(ctx, binPath, c.transcodeArgs()...), nil
		},
	})
	c.runner.Start(ctx)

	if c.uploader != nil {
		c.uploadWG.Add(1)
		go c.watchSegments(ctx)
	}
	return nil
}

// transcodeArgs builds the ffmpeg-style argv for the configured source and
// output container. Segment naming follows the teacher's fMP4 layout:
// numbered chunks plus an index manifest in the same directory.
func (c *Contract) transcodeArgs() []string {
	manifest := filepath.Join(c.outputDir, "index.m3u8")
	segmentPattern := filepath.Join(c.outputDir, "seg_%05d.m4s")
	return []string{
		"-i", c.cfg.SourceURI,
		"-c:v", "copy",
		"-c:a", "copy",
		"-f", "hls",
		"-hls_segment_type", "fmp4",
		"-hls_segment_filename", segmentPattern,
		manifest,
	}
}

// watchSegments holds the upload WaitGroup open until ctx is done; it
// uploads nothing itself. Segments reach the uploader only through
// UploadSegment, and no code in this repository outside the tests calls
// it: there is no directory watcher feeding it.
func (c *Contract) watchSegments(ctx context.Context) {
	defer c.uploadWG.Done()
	<-ctx.Done()
}

// UploadSegment pushes one finished segment file to the configured
// bucket. No-op if no uploader is configured.
func (c *Contract) UploadSegment(ctx context.Context, localPath string) error {
	if c.uploader == nil {
		return nil
	}
	key := fmt.Sprintf("%s/%s/%s", c.cfg.Bucket, c.resourceID, filepath.Base(localPath))
	if err := c.uploader.Upload(ctx, key, localPath); err != nil {
		log.L().Warn().Str("resource_id", c.resourceID).Str("path", localPath).Err(err).Msg("stream: segment upload failed")
		return vmserrors.New(vmserrors.Unavailable, "upload stream segment", err)
	}
	return nil
}

// Done reports the pipeline's terminal outcome (nil on a clean stop).
func (c *Contract) Done() <-chan error {
	return c.runner.Done()
}

// Stop tears down the transcode process and waits for any in-flight
// uploads to observe context cancellation, then removes the output
// directory so a future Start on the same resource begins from empty.
func (c *Contract) Stop() error {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	c.mu.Unlock()

	err := c.runner.Stop()
	c.uploadWG.Wait()
	if rmErr := os.RemoveAll(c.outputDir); rmErr != nil {
		log.L().Warn().Str("resource_id", c.resourceID).Err(rmErr).Msg("stream: failed to remove output directory on teardown")
	}
	return err
}
