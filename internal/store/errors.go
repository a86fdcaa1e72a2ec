// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	vmserrors "github.com/quadrant-vms/core/internal/errors"
)

// ErrNotFound classifies a missing row as a Validation-class, non-retryable
// outcome. Callers pass it on unchanged or wrap it as Validation, so a
// missing resource surfaces as HTTP 400 at the Gateway and Worker HTTP
// boundaries, and GetLease returns it as its error.
func ErrNotFound(what string) error {
	return vmserrors.New(vmserrors.Validation, what+" not found", nil)
}

// ErrVersionMismatch is the CAS failure spec §4.1 calls out explicitly:
// renew_lease's expected_version did not match the stored row.
func ErrVersionMismatch() error {
	return vmserrors.New(vmserrors.Conflict, "lease version mismatch", nil)
}

// ErrUniqueness reports violation of invariant (L1): a second non-expired
// lease for the same (kind, resource_id).
func ErrUniqueness() error {
	return vmserrors.New(vmserrors.Invariant, "lease uniqueness violation for (kind, resource_id)", nil)
}

// ErrTransient wraps a backend failure (disk I/O, lock timeout) that a
// caller should retry with backoff.
func ErrTransient(cause error) error {
	return vmserrors.New(vmserrors.Unavailable, "state store unavailable", cause)
}
