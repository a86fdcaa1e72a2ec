// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	vmserrors "github.com/quadrant-vms/core/internal/errors"
)

func errRequired(field string) error {
	return vmserrors.New(vmserrors.Fatal, "missing required configuration: "+field, nil)
}

func errInvalid(reason string) error {
	return vmserrors.New(vmserrors.Fatal, "invalid configuration: "+reason, nil)
}
