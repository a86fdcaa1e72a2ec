// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package aitask

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoopPluginProcessesFramesWithoutDetections(t *testing.T) {
	p := &NoopPlugin{}
	require.NoError(t, p.Initialise(context.Background(), nil))

	detections, err := p.Process(context.Background(), Frame{SequenceNo: 1, Payload: []byte{0, 0, 0, 0}})
	require.NoError(t, err)
	require.Empty(t, detections)
	require.Equal(t, 1, p.frames)

	_, err = p.Process(context.Background(), Frame{SequenceNo: 2, Payload: []byte{0, 0, 0, 0}})
	require.NoError(t, err)
	require.Equal(t, 2, p.frames)

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNoopPluginRegisteredUnderNoopIdentifier(t *testing.T) {
	registry := NewRegistry()
	registry.Register("noop", func() Plugin { return &NoopPlugin{} })

	plugin, err := registry.New("noop")
	require.NoError(t, err)
	_, ok := plugin.(*NoopPlugin)
	require.True(t, ok)
}
