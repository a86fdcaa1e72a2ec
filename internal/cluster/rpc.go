// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// RequestVoteArgs is the RPC body a candidate sends to a peer.
type RequestVoteArgs struct {
	Term        int64  `json:"term"`
	CandidateID string `json:"candidate_id"`
}

type RequestVoteReply struct {
	Term        int64 `json:"term"`
	VoteGranted bool  `json:"vote_granted"`
}

// HeartbeatArgs is the RPC body the leader sends to every follower.
type HeartbeatArgs struct {
	Term       int64  `json:"term"`
	LeaderAddr string `json:"leader_addr"`
}

type HeartbeatReply struct {
	Term    int64 `json:"term"`
	Success bool  `json:"success"`
}

// Routes mounts the election RPC endpoints and the read-only status
// endpoint onto r.
func (c *Coordinator) Routes(r chi.Router) {
	r.Post("/cluster/request-vote", c.handleRequestVote)
	r.Post("/cluster/heartbeat", c.handleHeartbeat)
	r.Get("/cluster/status", c.handleStatus)
}

func (c *Coordinator) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var args RequestVoteArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	reply := c.onRequestVote(args)
	writeJSON(w, reply)
}

func (c *Coordinator) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var args HeartbeatArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	reply := c.onHeartbeat(args)
	writeJSON(w, reply)
}

type statusResponse struct {
	NodeID string `json:"node_id"`
	Role   Role   `json:"role"`
	Term   int64  `json:"term"`
	Leader string `json:"leader_addr,omitempty"`
}

func (c *Coordinator) handleStatus(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	resp := statusResponse{
		NodeID: c.nodeID,
		Role:   c.role.State(),
		Term:   c.term,
		Leader: c.leaderAddr,
	}
	c.mu.Unlock()
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// callRequestVote performs the client side of the RPC against a single
// peer address, returning an error only on transport failure -- a vote
// denial is a normal (non-error) reply.
func callRequestVote(ctx context.Context, client *http.Client, peerAddr string, args RequestVoteArgs) (RequestVoteReply, error) {
	var reply RequestVoteReply
	buf, err := json.Marshal(args)
	if err != nil {
		return reply, err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+peerAddr+"/cluster/request-vote", bytes.NewReader(buf))
	if err != nil {
		return reply, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return reply, err
	}
	defer func() { _ = resp.Body.Close() }()
	err = json.NewDecoder(resp.Body).Decode(&reply)
	return reply, err
}

func callHeartbeat(ctx context.Context, client *http.Client, peerAddr string, args HeartbeatArgs) (HeartbeatReply, error) {
	var reply HeartbeatReply
	buf, err := json.Marshal(args)
	if err != nil {
		return reply, err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+peerAddr+"/cluster/heartbeat", bytes.NewReader(buf))
	if err != nil {
		return reply, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return reply, err
	}
	defer func() { _ = resp.Body.Close() }()
	err = json.NewDecoder(resp.Body).Decode(&reply)
	return reply, err
}
