// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package gateway

import (
	"encoding/json"

	vmserrors "github.com/quadrant-vms/core/internal/errors"
	"github.com/quadrant-vms/core/internal/model"
)

// validateCreate applies the field-presence and shape rules from spec
// §4.4 step 1, specialised per kind: Stream and Recording require a
// source URI, AiTask requires a source reference and a plugin ID.
func (g *Gateway) validateCreate(kind model.Kind, body createRequest) error {
	if err := ValidateID(body.ID); err != nil {
		return err
	}
	if body.TTLSecs != 0 {
		if err := ValidateTTL(body.TTLSecs); err != nil {
			return err
		}
	}
	if err := ValidateFreeform("codec", body.Codec); err != nil {
		return err
	}
	if err := ValidateFreeform("container", body.Container); err != nil {
		return err
	}

	switch kind {
	case model.KindStream, model.KindRecording:
		if err := ValidateSourceURI(body.SourceURI); err != nil {
			return err
		}
	case model.KindAiTask:
		if err := ValidateID(body.SourceID); err != nil {
			return err
		}
		if err := ValidateFreeform("source_kind", body.SourceKind); err != nil {
			return err
		}
		if err := ValidatePluginID(body.PluginID); err != nil {
			return err
		}
	default:
		return vmserrors.New(vmserrors.Validation, "unknown resource kind", nil)
	}
	return nil
}

// streamConfig / recordingConfig / aitaskConfig mirror the Config structs
// consumed by internal/pipeline/{stream,recording,aitask} — the Gateway
// builds the opaque per-kind config blob the worker later unmarshals.
type streamConfig struct {
	SourceURI string `json:"source_uri"`
	Codec     string `json:"codec,omitempty"`
	Container string `json:"container,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
}

type recordingConfig struct {
	SourceURI string `json:"source_uri"`
	Codec     string `json:"codec,omitempty"`
	Container string `json:"container,omitempty"`
}

type aitaskConfig struct {
	SourceKind   string          `json:"source_kind"`
	SourceID     string          `json:"source_id"`
	PluginID     string          `json:"plugin_id"`
	PluginConfig json.RawMessage `json:"plugin_config,omitempty"`
}

func kindConfig(kind model.Kind, body createRequest) (json.RawMessage, error) {
	var v any
	switch kind {
	case model.KindStream:
		v = streamConfig{SourceURI: body.SourceURI, Codec: body.Codec, Container: body.Container}
	case model.KindRecording:
		v = recordingConfig{SourceURI: body.SourceURI, Codec: body.Codec, Container: body.Container}
	case model.KindAiTask:
		v = aitaskConfig{SourceKind: body.SourceKind, SourceID: body.SourceID, PluginID: body.PluginID, PluginConfig: body.PluginConfig}
	default:
		return nil, vmserrors.New(vmserrors.Validation, "unknown resource kind", nil)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, vmserrors.New(vmserrors.Invariant, "marshal resource config", err)
	}
	return raw, nil
}
