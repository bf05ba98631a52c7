package raft

import (
	"go.uber.org/zap"

	"github.com/ruvnet/kvconsensus/internal/consensus"
)

// startElection converts this replica to Candidate, votes for itself,
// and solicits votes from every peer. Grounded on the teacher's
// raft.go startElection, with the request actually marshaled onto the
// wire instead of left as a TODO.
func (r *Raft) startElection() {
	r.mu.Lock()
	if r.role == consensus.Leader {
		r.mu.Unlock()
		return
	}
	r.role = consensus.Candidate
	r.currentTerm++
	r.votedFor = r.self
	r.leader = ""
	r.votes = map[consensus.NodeID]bool{r.self: true}
	r.resetElectionTimerLocked()
	term := r.currentTerm
	lastIndex := r.log.Size()
	lastTerm := r.log.LastTerm()
	r.mu.Unlock()

	if r.m != nil {
		r.m.ElectionsTotal.Inc()
		r.m.CurrentTerm.Set(float64(term))
	}
	r.logger.Info("starting election", zap.Uint64("term", uint64(term)))

	args := consensus.RequestVoteArgs{
		Term:         term,
		CandidateID:  r.self,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}
	env := consensus.Envelope{Kind: consensus.RequestVoteRPC, RequestVoteArgs: &args}
	for _, peer := range r.transport.Peers() {
		r.transport.Send(peer, env)
	}
}

// handleRequestVote answers a candidate's vote solicitation.
func (r *Raft) handleRequestVote(from consensus.NodeID, args consensus.RequestVoteArgs) {
	r.mu.Lock()

	if args.Term > r.currentTerm {
		r.stepDownLocked(args.Term)
	}

	reply := consensus.RequestVoteReply{Term: r.currentTerm, Voter: r.self}
	if args.Term < r.currentTerm {
		r.mu.Unlock()
		r.transport.Send(from, consensus.Envelope{Kind: consensus.RequestVoteResponseRPC, RequestVoteReply: &reply})
		return
	}

	lastIndex := r.log.Size()
	lastTerm := r.log.LastTerm()
	candidateUpToDate := args.LastLogTerm > lastTerm ||
		(args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIndex)

	if (r.votedFor == "" || r.votedFor == args.CandidateID) && candidateUpToDate {
		r.votedFor = args.CandidateID
		r.resetElectionTimerLocked()
		reply.VoteGranted = true
	}
	r.mu.Unlock()

	r.transport.Send(from, consensus.Envelope{Kind: consensus.RequestVoteResponseRPC, RequestVoteReply: &reply})
}

// handleRequestVoteReply tallies a vote and promotes to leader on
// reaching a majority.
func (r *Raft) handleRequestVoteReply(from consensus.NodeID, reply consensus.RequestVoteReply) {
	r.mu.Lock()

	if reply.Term > r.currentTerm {
		r.stepDownLocked(reply.Term)
		r.mu.Unlock()
		return
	}
	if r.role != consensus.Candidate || reply.Term != r.currentTerm {
		r.mu.Unlock()
		return
	}
	if reply.VoteGranted {
		r.votes[from] = true
	}
	granted := 0
	for _, v := range r.votes {
		if v {
			granted++
		}
	}
	becameLeader := granted >= r.cfg.Majority()
	if becameLeader {
		r.becomeLeaderLocked()
	}
	r.mu.Unlock()

	if becameLeader {
		r.replicateToAll()
	}
}

// becomeLeaderLocked transitions Candidate -> Leader, appends the
// term's NOOP entry (so commit-index advancement never has to reason
// about entries from a prior term), and resets per-follower indices.
// Caller must hold mu.
func (r *Raft) becomeLeaderLocked() {
	r.role = consensus.Leader
	r.leader = r.self
	// The election timer fires only while not leader (§4.3): a leader's
	// own heartbeats are what keeps followers from timing out, and
	// nothing resets this replica's own timer once it wins, so it must
	// be stopped here rather than left to fire and call startElection
	// again every timeout.
	r.stopElectionTimerLocked()
	lastIndex := r.log.Size()
	for _, peer := range r.transport.Peers() {
		r.nextIndex[peer] = lastIndex + 1
		r.matchIndex[peer] = 0
	}
	r.matchIndex[r.self] = lastIndex

	noopIndex := r.log.AppendLeader(r.currentTerm, consensus.NoopEvent, "", 0)
	r.matchIndex[r.self] = noopIndex

	r.logger.Info("became leader", zap.Uint64("term", uint64(r.currentTerm)))
	r.startHeartbeatTimerLocked()
}
