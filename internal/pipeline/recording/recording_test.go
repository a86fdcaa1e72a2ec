// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package recording

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	meta Metadata
	err  error
}

func (f *fakeProber) Probe(ctx context.Context, path string) (Metadata, error) {
	return f.meta, f.err
}

func TestOutputPathDefaultsContainerToMp4(t *testing.T) {
	p := OutputPath("/data", "rec-1", "")
	assert.Equal(t, "/data/recording/rec-1.mp4", p)
}

func TestOutputPathHonoursExplicitContainer(t *testing.T) {
	p := OutputPath("/data", "rec-1", "mkv")
	assert.Equal(t, "/data/recording/rec-1.mkv", p)
}

func TestProbeResultNilWithoutProber(t *testing.T) {
	c := New("rec-1", Config{}, t.TempDir(), nil)
	raw, err := c.ProbeResult(context.Background())
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestProbeResultMarshalsMetadata(t *testing.T) {
	prober := &fakeProber{meta: Metadata{DurationSecs: 12.5, Width: 1920, Height: 1080, Codec: "h264", FPS: 30}}
	c := New("rec-1", Config{}, t.TempDir(), prober)

	raw, err := c.ProbeResult(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"width":1920`)
	assert.Contains(t, string(raw), `"codec":"h264"`)
}

func TestParseFrameRateHandlesRational(t *testing.T) {
	assert.InDelta(t, 29.97, parseFrameRate("30000/1001"), 0.01)
	assert.Equal(t, float64(0), parseFrameRate("garbage"))
	assert.Equal(t, float64(0), parseFrameRate("1/0"))
}
