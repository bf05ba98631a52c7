// Package raft implements the strongly-consistent consensus engine:
// leader election, log replication and commit-index advancement over
// the UDP transport in this package, driving the deterministic
// key-to-integer state machine in internal/consensus. Grounded on the
// teacher's internal/consensus/raft/{raft,election,replication}.go,
// rewritten against a concrete Entry/Envelope wire format instead of
// the teacher's generic []byte ConsensusMessage payload, and with
// every handler fully implemented (the teacher's raft.go left
// handleRequestVote/handleAppendEntries as empty stubs, overridden —
// duplicated, really — by election.go/replication.go).
package raft

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/kvconsensus/internal/config"
	"github.com/ruvnet/kvconsensus/internal/consensus"
	"github.com/ruvnet/kvconsensus/internal/metrics"
)

// Raft is one replica's consensus state. All mutable fields are
// guarded by mu; the log and state machine have their own internal
// locking and are safe to touch without holding it.
type Raft struct {
	mu     sync.Mutex
	self   consensus.NodeID
	cfg    *config.Config
	logger *zap.Logger
	m      *metrics.Metrics

	currentTerm consensus.Term
	votedFor    consensus.NodeID
	role        consensus.Role
	leader      consensus.NodeID
	votes       map[consensus.NodeID]bool

	nextIndex  map[consensus.NodeID]consensus.LogIndex
	matchIndex map[consensus.NodeID]consensus.LogIndex

	log          *consensus.Log
	stateMachine *consensus.StateMachine
	transport    *Transport

	commitIndex consensus.LogIndex
	lastApplied consensus.LogIndex
	applyCond   *sync.Cond

	electionTimer  *time.Timer
	heartbeatTimer *time.Timer

	waiters map[consensus.LogIndex][]chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Raft engine in the Follower role. The randomised
// election timer is armed by Start, not here.
func New(cfg *config.Config, transport *Transport, m *metrics.Metrics, logger *zap.Logger) *Raft {
	r := &Raft{
		self:         consensus.NodeID(cfg.ReplicaID),
		cfg:          cfg,
		logger:       logger,
		m:            m,
		role:         consensus.Follower,
		votes:        make(map[consensus.NodeID]bool),
		nextIndex:    make(map[consensus.NodeID]consensus.LogIndex),
		matchIndex:   make(map[consensus.NodeID]consensus.LogIndex),
		log:          consensus.NewLog(),
		stateMachine: consensus.NewStateMachine(),
		transport:    transport,
		waiters:      make(map[consensus.LogIndex][]chan struct{}),
	}
	r.applyCond = sync.NewCond(&r.mu)
	transport.OnReceive(r.handleEnvelope)
	return r
}

// StateMachine exposes the applied store for the gateway's GET path.
func (r *Raft) StateMachine() *consensus.StateMachine { return r.stateMachine }

// Start launches the election-timer loop and the apply loop, then
// starts the transport.
func (r *Raft) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Lock()
	r.resetElectionTimerLocked()
	r.mu.Unlock()

	r.wg.Add(2)
	go r.electionLoop()
	go r.applyLoop()
	r.transport.Start()
}

// Stop cancels both background loops and closes the transport.
func (r *Raft) Stop() {
	r.cancel()
	r.mu.Lock()
	if r.electionTimer != nil {
		r.electionTimer.Stop()
	}
	if r.heartbeatTimer != nil {
		r.heartbeatTimer.Stop()
	}
	r.mu.Unlock()
	r.applyCond.Broadcast()
	r.wg.Wait()
	r.transport.Stop()
}

func (r *Raft) electionLoop() {
	defer r.wg.Done()
	r.mu.Lock()
	timer := r.electionTimer
	r.mu.Unlock()
	if timer == nil {
		return
	}
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-timer.C:
			r.startElection()
		}
	}
}

// resetElectionTimerLocked reprograms the election timer to a fresh
// randomised timeout, reusing the same underlying timer rather than
// allocating a new one: electionLoop captures the timer object once
// and blocks on its channel for the process's lifetime, so replacing
// the object here (instead of Reset-ing it) would strand that loop on
// a channel nothing will ever send to again. Caller must hold mu.
func (r *Raft) resetElectionTimerLocked() {
	span := r.cfg.ElectionTimeoutMax - r.cfg.ElectionTimeoutMin
	timeout := r.cfg.ElectionTimeoutMin
	if span > 0 {
		timeout += time.Duration(rand.Int63n(int64(span)))
	}
	if r.electionTimer == nil {
		r.electionTimer = time.NewTimer(timeout)
		return
	}
	r.stopElectionTimerLocked()
	r.electionTimer.Reset(timeout)
}

// stopElectionTimerLocked stops the election timer (used while this
// replica is Leader, which never needs to reset it) and drains any
// value already sitting in its channel so a later Reset starts clean.
// Caller must hold mu.
func (r *Raft) stopElectionTimerLocked() {
	if r.electionTimer == nil {
		return
	}
	if !r.electionTimer.Stop() {
		select {
		case <-r.electionTimer.C:
		default:
		}
	}
}

// handleEnvelope is the transport's single entry point for inbound
// RPCs, dispatching on the tagged union.
func (r *Raft) handleEnvelope(from consensus.NodeID, env consensus.Envelope) {
	switch env.Kind {
	case consensus.RequestVoteRPC:
		r.handleRequestVote(from, *env.RequestVoteArgs)
	case consensus.RequestVoteResponseRPC:
		r.handleRequestVoteReply(from, *env.RequestVoteReply)
	case consensus.AppendEntryRPC:
		r.handleAppendEntry(from, *env.AppendEntryArgs)
	case consensus.AppendEntryResponseRPC:
		r.handleAppendEntryReply(from, *env.AppendEntryReply)
	}
}

// stepDownLocked converts this replica to a follower in the given
// term. Caller must hold mu.
func (r *Raft) stepDownLocked(term consensus.Term) {
	wasLeader := r.role == consensus.Leader
	r.currentTerm = term
	r.votedFor = ""
	r.role = consensus.Follower
	r.resetElectionTimerLocked()
	if wasLeader && r.heartbeatTimer != nil {
		r.heartbeatTimer.Stop()
	}
}

// Propose appends a client operation to the log if this replica is
// leader, returning the assigned index for the gateway to wait on.
// Returns ok=false if this replica is not the leader.
func (r *Raft) Propose(event consensus.Event, key string, value int64) (consensus.LogIndex, bool) {
	r.mu.Lock()
	if r.role != consensus.Leader {
		r.mu.Unlock()
		return 0, false
	}
	index := r.log.AppendLeader(r.currentTerm, event, key, value)
	r.matchIndex[r.self] = index
	r.mu.Unlock()

	r.replicateToAll()
	return index, true
}

// WaitCommitted blocks until commitIndex reaches at least index or ctx
// is done, and returns false in the latter case. Stepping down does not
// wake a waiter: it keeps waiting until a later commit covers index or
// ctx ends.
func (r *Raft) WaitCommitted(ctx context.Context, index consensus.LogIndex) bool {
	ch := make(chan struct{})
	r.mu.Lock()
	if r.commitIndex >= index {
		r.mu.Unlock()
		return true
	}
	r.waiters[index] = append(r.waiters[index], ch)
	r.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Raft) notifyWaitersLocked() {
	for index, chans := range r.waiters {
		if index > r.commitIndex {
			continue
		}
		for _, ch := range chans {
			close(ch)
		}
		delete(r.waiters, index)
	}
}

func (r *Raft) applyLoop() {
	defer r.wg.Done()
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		for r.lastApplied >= r.commitIndex {
			if r.ctx.Err() != nil {
				return
			}
			r.applyCond.Wait()
			if r.ctx.Err() != nil {
				return
			}
		}
		r.lastApplied++
		entry, ok := r.log.Get(r.lastApplied)
		if !ok {
			continue
		}
		r.mu.Unlock()
		if err := r.stateMachine.Apply(entry); err != nil {
			r.logger.Fatal("failed to apply committed entry", zap.Uint64("index", uint64(entry.Index)), zap.Error(err))
		} else if r.m != nil {
			r.m.EntriesApplied.Inc()
		}
		r.mu.Lock()
	}
}

// IsLeader reports whether this replica currently believes itself leader.
func (r *Raft) IsLeader() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role == consensus.Leader
}

// Leader returns the last known leader id, which may be stale or empty.
func (r *Raft) Leader() consensus.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leader
}

// LeaderAddress resolves the current leader's HTTP gateway address for
// a client redirect, or ok=false if no leader is currently known.
func (r *Raft) LeaderAddress() (host string, port int, ok bool) {
	r.mu.Lock()
	leader := r.leader
	r.mu.Unlock()
	if leader == "" {
		return "", 0, false
	}
	replicaID := config.ReplicaID(leader)
	udpAddr, known := r.cfg.Addresses[replicaID]
	httpPort, knownPort := r.cfg.HTTPPorts[replicaID]
	if !known || !knownPort {
		return "", 0, false
	}
	return udpAddr.Host, httpPort, true
}
