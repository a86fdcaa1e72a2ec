// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package errors implements the typed error taxonomy of spec §7: every
// operation in this repository returns one of these codes (or nil), and
// every boundary (HTTP handler, worker loop) makes its retry/surface
// decision purely off the code, never off string matching.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Code is the abstract error classification from spec §7.
type Code string

const (
	Validation  Code = "VALIDATION"
	Conflict    Code = "CONFLICT"
	Capacity    Code = "CAPACITY"
	Unavailable Code = "UNAVAILABLE"
	Expired     Code = "EXPIRED"
	Invariant   Code = "INVARIANT"
	Fatal       Code = "FATAL"
)

// Retryable reports whether a generic client should retry an error of this
// code without protocol-specific knowledge.
func (c Code) Retryable() bool {
	switch c {
	case Conflict, Capacity, Unavailable:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a Code to the response class spec §6/§7 names.
func (c Code) HTTPStatus() int {
	switch c {
	case Validation:
		return 400
	case Conflict:
		return 409
	case Capacity:
		return 429
	case Unavailable:
		return 503
	case Expired:
		return 410
	case Invariant:
		return 500
	case Fatal:
		return 500
	default:
		return 500
	}
}

// Error is the concrete typed error carried across every boundary.
type Error struct {
	code   Code
	detail string
	err    error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.detail, e.err)
	}
	return fmt.Sprintf("%s: %s", e.code, e.detail)
}

func (e *Error) Unwrap() error { return e.err }

// Code returns the error's classification.
func (e *Error) Code() Code { return e.code }

// Detail returns a sanitised, user-safe detail message — never a secret,
// file path or internal identifier (spec §7 "User-visible behaviour").
func (e *Error) Detail() string { return e.detail }

// New constructs a typed error. detail is sanitised (newlines collapsed,
// length-capped) before storage so it is always safe to surface to a
// client verbatim.
func New(code Code, detail string, cause error) *Error {
	return &Error{code: code, detail: sanitize(detail), err: cause}
}

func sanitize(detail string) string {
	if detail == "" {
		return ""
	}
	const maxLen = 240
	clean := strings.ReplaceAll(detail, "\n", " ")
	clean = strings.ReplaceAll(clean, "\r", " ")
	if len(clean) > maxLen {
		return clean[:maxLen] + "..."
	}
	return clean
}

// As extracts the Code and detail from err, if it (or something it wraps)
// is an *Error. ok is false for any other error, in which case the caller
// should treat it as Invariant — this repository has no code path that
// aborts the process on an unclassified error.
func As(err error) (code Code, detail string, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.code, e.detail, true
	}
	return "", "", false
}

// Classify returns the Code for err, defaulting unclassified errors to
// Invariant per spec §7 ("no code path aborts the process on unexpected
// input — all such cases are Invariant").
func Classify(err error) Code {
	if err == nil {
		return ""
	}
	if code, _, ok := As(err); ok {
		return code
	}
	return Invariant
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	c, _, ok := As(err)
	return ok && c == code
}
