// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quadrant-vms/core/internal/model"
	"github.com/quadrant-vms/core/internal/pipeline/aitask"
	"github.com/quadrant-vms/core/internal/pipeline/recording"
	"github.com/quadrant-vms/core/internal/pipeline/stream"
	"github.com/quadrant-vms/core/internal/store"
)

func TestStoreSourceResolverResolvesStreamSource(t *testing.T) {
	st := store.NewMemoryStore()
	cfg, err := json.Marshal(stream.Config{SourceURI: "rtsp://cam-1/live", Codec: "h264", Container: "mp4"})
	require.NoError(t, err)
	require.NoError(t, st.UpsertResource(context.Background(), model.ResourceInstance{
		ResourceID: "cam-1",
		Kind:       model.KindStream,
		Config:     cfg,
		State:      model.StateRunning,
	}))

	resolver := newStoreSourceResolver(st, "ffmpeg", 1024)
	source, err := resolver.Resolve("Stream", "cam-1")
	require.NoError(t, err)

	ffmpegSource, ok := source.(aitask.FFmpegFrameSource)
	require.True(t, ok)
	require.Equal(t, "rtsp://cam-1/live", ffmpegSource.SourceURI)
	require.Equal(t, "ffmpeg", ffmpegSource.BinPath)
	require.Equal(t, 1024, ffmpegSource.FrameSize)
}

func TestStoreSourceResolverResolvesRecordingSource(t *testing.T) {
	st := store.NewMemoryStore()
	cfg, err := json.Marshal(recording.Config{SourceURI: "rtsp://cam-2/live", Codec: "h265", Container: "mkv"})
	require.NoError(t, err)
	require.NoError(t, st.UpsertResource(context.Background(), model.ResourceInstance{
		ResourceID: "rec-1",
		Kind:       model.KindRecording,
		Config:     cfg,
		State:      model.StateRunning,
	}))

	resolver := newStoreSourceResolver(st, "ffmpeg", 2048)
	source, err := resolver.Resolve("Recording", "rec-1")
	require.NoError(t, err)

	ffmpegSource, ok := source.(aitask.FFmpegFrameSource)
	require.True(t, ok)
	require.Equal(t, "rtsp://cam-2/live", ffmpegSource.SourceURI)
}

func TestStoreSourceResolverRejectsUnknownResource(t *testing.T) {
	st := store.NewMemoryStore()
	resolver := newStoreSourceResolver(st, "ffmpeg", 1024)
	_, err := resolver.Resolve("Stream", "missing")
	require.Error(t, err)
}

func TestStoreSourceResolverRejectsInvalidSourceKind(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.UpsertResource(context.Background(), model.ResourceInstance{
		ResourceID: "whatever",
		Kind:       model.KindAiTask,
		State:      model.StateRunning,
	}))
	resolver := newStoreSourceResolver(st, "ffmpeg", 1024)
	_, err := resolver.Resolve("AiTask", "whatever")
	require.Error(t, err)
}
