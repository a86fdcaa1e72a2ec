// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package aitask

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	vmserrors "github.com/quadrant-vms/core/internal/errors"
	"github.com/quadrant-vms/core/internal/log"
	"github.com/quadrant-vms/core/internal/pipeline/procexec"
)

// FFmpegFrameSource pulls fixed-size raw video frames out of a running
// Stream or Recording's source by shelling a second, independent ffmpeg
// process against the same source URI -- the same supervised-process
// idiom procexec already gives Stream and Recording, reused here for the
// AiTask side effect's own frame pull rather than invented from scratch.
type FFmpegFrameSource struct {
	BinPath   string
	SourceURI string
	FrameSize int // bytes per rawvideo frame, e.g. width*height*3 for bgr24
}

// Frames launches the supervised ffmpeg rawvideo pipe and decodes it into
// fixed-size Frame payloads until the process exits or ctx is cancelled.
func (s FFmpegFrameSource) Frames(ctx context.Context) (<-chan Frame, error) {
	if s.FrameSize <= 0 {
		return nil, vmserrors.New(vmserrors.Validation, "frame size must be positive", nil)
	}
	binPath := s.BinPath
	if binPath == "" {
		binPath = "ffmpeg"
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, vmserrors.New(vmserrors.Invariant, "open frame pipe", err)
	}

	runner := procexec.New(procexec.Spec{
		Kind: "aitask",
		Build: func(ctx context.Context, attempt int) (*exec.Cmd, error) {
			cmd := exec.CommandContext(ctx, binPath,
				"-i", s.SourceURI,
				"-f", "rawvideo",
				"-pix_fmt", "bgr24",
				"pipe:1",
			)
			cmd.Stdout = pw
			return cmd, nil
		},
	})
	runner.Start(ctx)

	out := make(chan Frame, 4)
	go func() {
		defer close(out)
		defer func() { _ = pr.Close() }()
		buf := make([]byte, s.FrameSize)
		var seq int64
		for {
			if _, err := io.ReadFull(pr, buf); err != nil {
				return
			}
			payload := make([]byte, s.FrameSize)
			copy(payload, buf)
			seq++
			select {
			case out <- Frame{SequenceNo: seq, Payload: payload}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		_ = runner.Stop()
		_ = pw.Close()
	}()
	go func() {
		if err := <-runner.Done(); err != nil {
			log.L().Warn().Str("source_uri", s.SourceURI).Err(err).Msg("aitask: frame source process exited abnormally")
		}
		_ = pw.Close()
	}()

	return out, nil
}

var _ FrameSource = FFmpegFrameSource{}

func (s FFmpegFrameSource) String() string {
	return fmt.Sprintf("ffmpeg-frame-source(%s)", s.SourceURI)
}
