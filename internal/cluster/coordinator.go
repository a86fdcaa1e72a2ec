// Copyright (c) 2025 Quadrant VMS
// Licensed under the PolyForm Noncommercial License 1.0.0

package cluster

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quadrant-vms/core/internal/fsm"
	"github.com/quadrant-vms/core/internal/log"
	"github.com/quadrant-vms/core/internal/metrics"
)

// Coordinator runs the election protocol of spec §4.3 for one replica. In
// single-node mode (no configured peers) it skips the election entirely
// and is always leader, matching the spec's "Peers empty means single
// node, no election" note.
type Coordinator struct {
	nodeID string
	selfAddr string
	peers  []string

	electionTimeoutMin time.Duration
	electionTimeoutMax time.Duration
	heartbeatInterval  time.Duration

	httpClient *http.Client

	mu         sync.Mutex
	role       *fsm.Machine[Role, event]
	term       int64
	votedTerm  int64
	votedFor   string
	leaderAddr string

	onBecomeLeader   func()
	onResignLeader   func()
	resetElectionC   chan struct{}
}

type Config struct {
	NodeID             string
	SelfAddr           string
	Peers              []string
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration

	// OnBecomeLeader/OnResignLeader let the caller start/stop leader-only
	// duties (Lease Registry sweeper, Resource Reaper) in step with role
	// changes, without the cluster package depending on those packages.
	OnBecomeLeader func()
	OnResignLeader func()
}

func New(cfg Config) (*Coordinator, error) {
	role, err := newRoleMachine()
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		nodeID:             cfg.NodeID,
		selfAddr:           cfg.SelfAddr,
		peers:              cfg.Peers,
		electionTimeoutMin: cfg.ElectionTimeoutMin,
		electionTimeoutMax: cfg.ElectionTimeoutMax,
		heartbeatInterval:  cfg.HeartbeatInterval,
		httpClient:         &http.Client{Timeout: 3 * time.Second},
		role:               role,
		onBecomeLeader:     orNoop(cfg.OnBecomeLeader),
		onResignLeader:     orNoop(cfg.OnResignLeader),
		resetElectionC:     make(chan struct{}, 1),
	}, nil
}

// setRoleGauge records the replica's current role as 1 on the matching
// label and 0 on the other two, so vms_cluster_role{role="leader"} is a
// reliable single-writer-at-a-time signal for alerting.
func setRoleGauge(current Role) {
	for _, r := range []Role{RoleFollower, RoleCandidate, RoleLeader} {
		v := 0.0
		if r == current {
			v = 1.0
		}
		metrics.ElectionRoleGauge.WithLabelValues(string(r)).Set(v)
	}
}

func orNoop(fn func()) func() {
	if fn == nil {
		return func() {}
	}
	return fn
}

// IsLeader reports whether this replica currently believes itself leader.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role.State() == RoleLeader
}

// LeaderAddr returns the last known leader address, for request
// forwarding by a follower.
func (c *Coordinator) LeaderAddr() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role.State() == RoleLeader {
		return c.selfAddr, true
	}
	return c.leaderAddr, c.leaderAddr != ""
}

// Run drives the election for the lifetime of ctx. In single-node mode it
// becomes leader once and returns only when ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	if len(c.peers) == 0 {
		log.L().Info().Str("node_id", c.nodeID).Msg("single-node mode: skipping election, becoming leader")
		c.mu.Lock()
		c.leaderAddr = c.selfAddr
		c.mu.Unlock()
		if _, err := c.role.Fire(ctx, eventTimeout); err != nil {
			return err
		}
		if _, err := c.role.Fire(ctx, eventWonMajority); err != nil {
			return err
		}
		c.onBecomeLeader()
		setRoleGauge(RoleLeader)
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		switch c.role.State() {
		case RoleFollower:
			c.runFollower(ctx)
		case RoleCandidate:
			c.runCandidate(ctx)
		case RoleLeader:
			c.runLeader(ctx)
		}
	}
}

func (c *Coordinator) electionTimeout() time.Duration {
	spread := c.electionTimeoutMax - c.electionTimeoutMin
	if spread <= 0 {
		return c.electionTimeoutMin
	}
	return c.electionTimeoutMin + time.Duration(rand.Int63n(int64(spread)))
}

func (c *Coordinator) runFollower(ctx context.Context) {
	timer := time.NewTimer(c.electionTimeout())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-c.resetElectionC:
		return // heartbeat/vote arrived; re-enter runFollower with a fresh timeout
	case <-timer.C:
		log.L().Info().Str("node_id", c.nodeID).Msg("election timeout, becoming candidate")
		_, _ = c.role.Fire(ctx, eventTimeout)
	}
}

func (c *Coordinator) runCandidate(ctx context.Context) {
	c.mu.Lock()
	c.term++
	c.votedFor = c.nodeID
	c.votedTerm = c.term
	term := c.term
	c.mu.Unlock()

	metrics.ElectionTermGauge.Set(float64(term))
	metrics.ElectionsStartedTotal.Inc()
	log.L().Info().Str("node_id", c.nodeID).Int64("term", term).Msg("starting election")

	votes := 1 // vote for self
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range c.peers {
		peer := peer
		g.Go(func() error {
			reply, err := callRequestVote(gctx, c.httpClient, peer, RequestVoteArgs{Term: term, CandidateID: c.nodeID})
			if err != nil {
				return nil // peer unreachable is not fatal to the election
			}
			c.observeTerm(ctx, reply.Term)
			if reply.VoteGranted {
				mu.Lock()
				votes++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	majority := (len(c.peers)+1)/2 + 1
	c.mu.Lock()
	stillCandidate := c.role.State() == RoleCandidate && c.term == term
	c.mu.Unlock()
	if !stillCandidate {
		return
	}

	if votes >= majority {
		if _, err := c.role.Fire(ctx, eventWonMajority); err == nil {
			c.mu.Lock()
			c.leaderAddr = c.selfAddr
			c.mu.Unlock()
			log.L().Info().Str("node_id", c.nodeID).Int64("term", term).Msg("won election")
			setRoleGauge(RoleLeader)
			c.onBecomeLeader()
		}
		return
	}

	// Lost or split vote: wait out a fresh randomised timeout before retrying.
	select {
	case <-ctx.Done():
	case <-time.After(c.electionTimeout()):
		_, _ = c.role.Fire(ctx, eventTimeout)
	}
}

func (c *Coordinator) runLeader(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			term := c.term
			c.mu.Unlock()

			g, gctx := errgroup.WithContext(ctx)
			for _, peer := range c.peers {
				peer := peer
				g.Go(func() error {
					reply, err := callHeartbeat(gctx, c.httpClient, peer, HeartbeatArgs{Term: term, LeaderAddr: c.selfAddr})
					if err != nil {
						return nil
					}
					c.observeTerm(ctx, reply.Term)
					return nil
				})
			}
			_ = g.Wait()

			if c.role.State() != RoleLeader {
				return // stepped down mid-heartbeat because a higher term was observed
			}
		}
	}
}

// observeTerm steps down to Follower if peerTerm exceeds our own, per the
// spec's "discovering a higher term" transition. It is safe to call from
// any role.
func (c *Coordinator) observeTerm(ctx context.Context, peerTerm int64) {
	c.mu.Lock()
	higher := peerTerm > c.term
	if higher {
		c.term = peerTerm
		c.votedFor = ""
	}
	wasLeader := c.role.State() == RoleLeader
	c.mu.Unlock()

	if !higher {
		return
	}
	if _, err := c.role.Fire(ctx, eventHigherTerm); err == nil && wasLeader {
		setRoleGauge(RoleFollower)
		c.onResignLeader()
	}
}

func (c *Coordinator) onRequestVote(args RequestVoteArgs) RequestVoteReply {
	c.mu.Lock()
	defer c.mu.Unlock()

	if args.Term < c.term {
		return RequestVoteReply{Term: c.term, VoteGranted: false}
	}
	if args.Term > c.term {
		c.term = args.Term
		c.votedFor = ""
	}
	granted := c.votedFor == "" || c.votedFor == args.CandidateID
	if granted {
		c.votedFor = args.CandidateID
		c.votedTerm = c.term
		select {
		case c.resetElectionC <- struct{}{}:
		default:
		}
	}
	return RequestVoteReply{Term: c.term, VoteGranted: granted}
}

func (c *Coordinator) onHeartbeat(args HeartbeatArgs) HeartbeatReply {
	c.mu.Lock()
	if args.Term < c.term {
		term := c.term
		c.mu.Unlock()
		return HeartbeatReply{Term: term, Success: false}
	}
	c.term = args.Term
	c.leaderAddr = args.LeaderAddr
	wasLeader := c.role.State() == RoleLeader
	c.mu.Unlock()

	select {
	case c.resetElectionC <- struct{}{}:
	default:
	}

	if wasLeader {
		if _, err := c.role.Fire(context.Background(), eventHigherTerm); err == nil {
			setRoleGauge(RoleFollower)
			c.onResignLeader()
		}
	} else {
		_, _ = c.role.Fire(context.Background(), eventDiscoverLeader)
	}

	c.mu.Lock()
	term := c.term
	c.mu.Unlock()
	return HeartbeatReply{Term: term, Success: true}
}
