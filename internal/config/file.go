// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// LoadOverlay reads a YAML overlay file and merges it onto base. A missing
// file is not an error — overlays are optional; every option also has an
// environment-variable form.
func LoadOverlay(path string, base Config) (Config, error) {
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return base, err
	}

	overlay := base
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return base, err
	}
	return overlay, nil
}

// Load resolves the final Config: defaults, then YAML overlay (if
// overlayPath is non-empty), then environment variables (highest
// precedence, matching the teacher's own layered config resolution).
func Load(overlayPath string) (Config, error) {
	cfg, err := LoadOverlay(overlayPath, Defaults())
	if err != nil {
		return Config{}, err
	}
	cfg = FromEnv(cfg)
	return cfg, cfg.Validate()
}
