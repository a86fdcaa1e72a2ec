// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package cluster implements the Cluster Coordinator of spec §4.3: a
// simplified Raft-style election among coordinator replicas. Only the
// election itself is implemented -- there is no log replication, because
// the State Store is already the durable log; the election exists purely
// to decide who is allowed to write to it as leader of the Lease
// Registry.
package cluster

import "github.com/quadrant-vms/core/internal/fsm"

// Role is a replica's position in the election.
type Role string

const (
	RoleFollower  Role = "follower"
	RoleCandidate Role = "candidate"
	RoleLeader    Role = "leader"
)

// event is the set of inputs the role state machine reacts to. Term
// bookkeeping (bumping the term number, recording votedFor) happens in
// Coordinator, outside the FSM's own lock, per spec §5's "no lock may
// cross a suspension point" -- the FSM only tracks the role.
type event string

const (
	eventTimeout       event = "timeout"
	eventWonMajority   event = "won_majority"
	eventHigherTerm    event = "higher_term"
	eventDiscoverLeader event = "discover_leader"
)

func newRoleMachine() (*fsm.Machine[Role, event], error) {
	return fsm.New(RoleFollower, []fsm.Transition[Role, event]{
		{From: RoleFollower, Event: eventTimeout, To: RoleCandidate},
		{From: RoleCandidate, Event: eventTimeout, To: RoleCandidate},
		{From: RoleCandidate, Event: eventWonMajority, To: RoleLeader},
		{From: RoleCandidate, Event: eventHigherTerm, To: RoleFollower},
		{From: RoleCandidate, Event: eventDiscoverLeader, To: RoleFollower},
		{From: RoleLeader, Event: eventHigherTerm, To: RoleFollower},
		{From: RoleFollower, Event: eventHigherTerm, To: RoleFollower},
		{From: RoleFollower, Event: eventDiscoverLeader, To: RoleFollower},
	})
}
