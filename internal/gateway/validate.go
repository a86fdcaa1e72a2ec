// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package gateway implements the Orchestration Gateway of spec §4.4: a
// stateless request facade translating client intent into a lease
// acquire, a worker dispatch, and a State Store write.
package gateway

import (
	"fmt"
	"net/url"
	"regexp"

	vmserrors "github.com/quadrant-vms/core/internal/errors"
)

const (
	maxIDLen        = 128
	maxSourceURILen = 2048
	maxFreeformLen  = 64
	minTTLSecs      = 5
	maxTTLSecs      = 3600
)

// idPattern bounds resource identifiers to a filesystem- and URL-path-safe
// alphabet, since resource IDs flow into on-disk output paths (see
// internal/pipeline/stream.OutputDir) and URL path segments.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

// freeformPattern bounds short descriptive fields (codec, container) to a
// conservative alphanumeric-plus-punctuation set.
var freeformPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

var allowedSchemes = map[string]bool{
	"rtsp": true, "rtmp": true, "http": true, "https": true, "file": true, "srt": true,
}

// ValidateID enforces length and charset rules on a caller-supplied
// resource identifier (spec §4.4 step 1: "length caps... path
// components").
func ValidateID(id string) error {
	if id == "" || len(id) > maxIDLen {
		return vmserrors.New(vmserrors.Validation, "id must be 1-128 characters", nil)
	}
	if !idPattern.MatchString(id) {
		return vmserrors.New(vmserrors.Validation, "id must match [a-zA-Z0-9][a-zA-Z0-9_-]*", nil)
	}
	return nil
}

// ValidateSourceURI enforces URI shape rules: parseable, bounded length,
// and an allow-listed scheme (never an arbitrary string that could be
// interpreted as a local path or shell argument downstream).
func ValidateSourceURI(raw string) error {
	if raw == "" || len(raw) > maxSourceURILen {
		return vmserrors.New(vmserrors.Validation, "source_uri must be 1-2048 characters", nil)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return vmserrors.New(vmserrors.Validation, "source_uri is not a valid URI", err)
	}
	if !allowedSchemes[u.Scheme] {
		return vmserrors.New(vmserrors.Validation, fmt.Sprintf("source_uri scheme %q is not allowed", u.Scheme), nil)
	}
	return nil
}

// ValidateFreeform enforces the bounded charset used for codec/container
// and similar short descriptive fields. Empty is allowed -- these fields
// are optional in most request shapes.
func ValidateFreeform(field, value string) error {
	if value == "" {
		return nil
	}
	if !freeformPattern.MatchString(value) {
		return vmserrors.New(vmserrors.Validation, fmt.Sprintf("%s must match [a-zA-Z0-9._-]{1,64}", field), nil)
	}
	return nil
}

// ValidateTTL bounds the caller-requested lease TTL to a sane range so a
// single request cannot starve capacity indefinitely or force a renewal
// storm.
func ValidateTTL(ttlSecs int64) error {
	if ttlSecs < minTTLSecs || ttlSecs > maxTTLSecs {
		return vmserrors.New(vmserrors.Validation, fmt.Sprintf("ttl_secs must be between %d and %d", minTTLSecs, maxTTLSecs), nil)
	}
	return nil
}

// ValidatePluginID reuses the freeform charset: plugin identifiers travel
// in task config and must never be interpreted as anything but an opaque
// registry key (spec §9 "Dynamic dispatch on AI plugins").
func ValidatePluginID(id string) error {
	if id == "" {
		return vmserrors.New(vmserrors.Validation, "plugin_id is required", nil)
	}
	return ValidateFreeform("plugin_id", id)
}
