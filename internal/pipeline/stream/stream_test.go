// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package stream

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	calls []string
}

func (f *fakeUploader) Upload(ctx context.Context, objectKey, localPath string) error {
	f.calls = append(f.calls, objectKey)
	return nil
}

func TestOutputDirIsDeterministicPerResource(t *testing.T) {
	a := OutputDir("/data", "stream-1")
	b := OutputDir("/data", "stream-1")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, OutputDir("/data", "stream-2"))
}

func TestUploadSegmentNoopWithoutUploader(t *testing.T) {
	c := New("stream-1", Config{}, t.TempDir(), nil)
	require.NoError(t, c.UploadSegment(context.Background(), "/tmp/seg_00001.m4s"))
}

func TestUploadSegmentUsesBucketPrefixedKey(t *testing.T) {
	uploader := &fakeUploader{}
	root := t.TempDir()
	c := New("stream-1", Config{Bucket: "recordings"}, root, uploader)

	segPath := filepath.Join(root, "seg_00001.m4s")
	require.NoError(t, os.WriteFile(segPath, []byte("data"), 0o644))

	require.NoError(t, c.UploadSegment(context.Background(), segPath))
	require.Len(t, uploader.calls, 1)
	assert.Equal(t, "recordings/stream-1/seg_00001.m4s", uploader.calls[0])
}

func TestStopRemovesOutputDirectory(t *testing.T) {
	root := t.TempDir()
	c := New("stream-1", Config{SourceURI: "http://example.invalid/src"}, root, nil)

	require.NoError(t, c.Start(context.Background(), "sh"))
	_, err := os.Stat(c.outputDir)
	require.NoError(t, err)

	_ = c.Stop()
	_, err = os.Stat(c.outputDir)
	assert.True(t, os.IsNotExist(err))
}
