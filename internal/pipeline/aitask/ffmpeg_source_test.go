// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package aitask

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFakeFrameEmitter(t *testing.T, frameCount int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake frame emitter script requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-ffmpeg.sh")
	script := "#!/bin/sh\nfor i in $(seq 1 " + itoa(frameCount) + "); do head -c 4 /dev/zero; done\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func TestFFmpegFrameSourceDecodesFixedSizeFrames(t *testing.T) {
	binPath := writeFakeFrameEmitter(t, 3)
	src := FFmpegFrameSource{BinPath: binPath, SourceURI: "rtsp://example.test/cam-1", FrameSize: 4}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frames, err := src.Frames(ctx)
	require.NoError(t, err)

	var got []Frame
	for f := range frames {
		got = append(got, f)
	}
	require.Len(t, got, 3)
	require.Equal(t, int64(1), got[0].SequenceNo)
	require.Equal(t, int64(3), got[2].SequenceNo)
	require.Len(t, got[0].Payload, 4)
}

func TestFFmpegFrameSourceRejectsZeroFrameSize(t *testing.T) {
	src := FFmpegFrameSource{SourceURI: "rtsp://example.test/cam-1", FrameSize: 0}
	_, err := src.Frames(context.Background())
	require.Error(t, err)
}
