// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

import "encoding/json"

// State is the shared lifecycle state for every resource instance,
// regardless of Kind. The side effects behind each state differ per kind
// (see internal/pipeline/{stream,recording,aitask}); the state names and
// legal transitions do not.
type State string

const (
	StatePending  State = "Pending"
	StateStarting State = "Starting"
	StateRunning  State = "Running"
	StateStopping State = "Stopping"
	StateStopped  State = "Stopped"
	StateError    State = "Error"
)

// IsTerminal reports whether no further transition is expected without a
// fresh acquire.
func (s State) IsTerminal() bool {
	switch s {
	case StateStopped, StateError:
		return true
	}
	return false
}

// HoldsLease reports whether a resource instance in this state is required
// by invariant (R1) to carry a non-nil lease reference.
func (s State) HoldsLease() bool {
	switch s {
	case StateStarting, StateRunning, StateStopping:
		return true
	}
	return false
}

// Event drives the shared state machine below.
type Event string

const (
	EventAcquireOK     Event = "acquire_ok"
	EventAcquireError  Event = "acquire_error"
	EventPipelineUp    Event = "pipeline_up"
	EventStopRequested Event = "stop_requested"
	EventDrained       Event = "drained"
	EventRenewFailed   Event = "renew_failed"
	EventSideEffectDown Event = "side_effect_down"
)

// Transitions is the legal-transition table from spec §4.5:
//
//	Pending   --acquire_ok-->      Starting
//	Starting  --acquire_error-->   Error
//	Starting  --pipeline_up-->     Running
//	Starting  --stop_requested-->  Stopping
//	Starting  --renew_failed-->    Error
//	Running   --stop_requested-->  Stopping
//	Running   --renew_failed-->    Error
//	Running   --side_effect_down-> Error
//	Stopping  --drained-->         Stopped
//	Stopping  --renew_failed-->    Error
//	Stopping  --side_effect_down-> Error
//
// Any pair not listed here is illegal; attempting it is a programming
// error (an Invariant-class error, see internal/errors), never a panic.
var Transitions = map[State]map[Event]State{
	StatePending: {
		EventAcquireOK: StateStarting,
	},
	StateStarting: {
		EventAcquireError:  StateError,
		EventPipelineUp:    StateRunning,
		EventStopRequested: StateStopping,
		EventRenewFailed:   StateError,
	},
	StateRunning: {
		EventStopRequested:  StateStopping,
		EventRenewFailed:    StateError,
		EventSideEffectDown: StateError,
	},
	StateStopping: {
		EventDrained:        StateStopped,
		EventRenewFailed:    StateError,
		EventSideEffectDown: StateError,
	},
}

// NextState looks up the legal next state for (from, ev), reporting ok=false
// for any pair not in the table (spec (R3)).
func NextState(from State, ev Event) (to State, ok bool) {
	row, found := Transitions[from]
	if !found {
		return "", false
	}
	to, ok = row[ev]
	return to, ok
}

// ResourceInstance is the persistent record for one (kind, resource_id),
// independent of whether a worker currently owns it.
type ResourceInstance struct {
	ResourceID string `json:"resource_id"`
	Kind       Kind   `json:"kind"`

	// Config is opaque, kind-specific configuration (source URI, output
	// format, retention, plugin config, ...). The core never interprets it.
	Config json.RawMessage `json:"config,omitempty"`

	State         State  `json:"state"`
	HolderNodeID  string `json:"holder_node_id,omitempty"`
	LeaseID       string `json:"lease_id,omitempty"`
	LastError     string `json:"last_error,omitempty"`

	// Extensions holds kind-specific progress/metadata (codec, resolution,
	// file size, frames processed, detections, ...), also opaque to the core.
	Extensions json.RawMessage `json:"extensions,omitempty"`

	StartedAtUnix int64 `json:"started_at,omitempty"`
	StoppedAtUnix int64 `json:"stopped_at,omitempty"`
	UpdatedAtUnix int64 `json:"updated_at"`
}

// Key returns the (kind, resource_id) identity of the instance.
func (r *ResourceInstance) Key() ResourceKey {
	return ResourceKey{Kind: r.Kind, ResourceID: r.ResourceID}
}

// ClearOwnership implements (R2): transition to Stopped/Error clears
// holder/lease (Error may retain them briefly for diagnostics, handled by
// the caller by simply not calling this).
func (r *ResourceInstance) ClearOwnership() {
	r.HolderNodeID = ""
	r.LeaseID = ""
}
