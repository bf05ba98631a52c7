package raft

import (
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/kvconsensus/internal/consensus"
)

// startHeartbeatTimerLocked begins the leader's periodic AppendEntry
// probe loop. Caller must hold mu.
func (r *Raft) startHeartbeatTimerLocked() {
	if r.heartbeatTimer != nil {
		r.heartbeatTimer.Stop()
	}
	r.heartbeatTimer = time.NewTimer(r.cfg.HeartbeatInterval)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-r.heartbeatTimer.C:
				r.mu.Lock()
				isLeader := r.role == consensus.Leader
				if isLeader {
					r.heartbeatTimer.Reset(r.cfg.HeartbeatInterval)
				}
				r.mu.Unlock()
				if !isLeader {
					return
				}
				r.replicateToAll()
			}
		}
	}()
}

// replicateToAll sends an AppendEntry probe, carrying whatever entries
// each peer is missing, to every other replica.
func (r *Raft) replicateToAll() {
	r.mu.Lock()
	if r.role != consensus.Leader {
		r.mu.Unlock()
		return
	}
	peers := r.transport.Peers()
	term := r.currentTerm
	commit := r.commitIndex
	r.mu.Unlock()

	for _, peer := range peers {
		r.mu.Lock()
		next := r.nextIndex[peer]
		if next == 0 {
			next = 1
		}
		prevIndex := next - 1
		prevTerm := r.log.TermAt(prevIndex)
		entries := r.log.EntriesFrom(next)
		r.mu.Unlock()

		args := consensus.AppendEntryArgs{
			Term:         term,
			LeaderID:     r.self,
			PrevLogIndex: prevIndex,
			PrevLogTerm:  prevTerm,
			Entries:      entries,
			LeaderCommit: commit,
		}
		r.transport.Send(peer, consensus.Envelope{Kind: consensus.AppendEntryRPC, AppendEntryArgs: &args})
	}
}

// handleAppendEntry is the follower side of the RPC: a consistency
// check against prevIndex/prevTerm, then truncate-and-append.
func (r *Raft) handleAppendEntry(from consensus.NodeID, args consensus.AppendEntryArgs) {
	r.mu.Lock()

	reply := consensus.AppendEntryReply{Term: r.currentTerm, Replica: r.self}
	if args.Term < r.currentTerm {
		r.mu.Unlock()
		r.transport.Send(from, consensus.Envelope{Kind: consensus.AppendEntryResponseRPC, AppendEntryReply: &reply})
		return
	}

	if args.Term > r.currentTerm || r.role == consensus.Candidate {
		r.stepDownLocked(args.Term)
	} else {
		r.resetElectionTimerLocked()
	}
	r.leader = args.LeaderID
	reply.Term = r.currentTerm

	if !r.log.MatchesPrev(args.PrevLogIndex, args.PrevLogTerm) {
		reply.XLen = r.log.Size()
		if args.PrevLogIndex > 0 && args.PrevLogIndex <= r.log.Size() {
			conflictTerm := r.log.TermAt(args.PrevLogIndex)
			reply.XTerm = conflictTerm
			reply.XIndex = r.firstIndexOfTermLocked(conflictTerm)
		}
		r.mu.Unlock()
		r.transport.Send(from, consensus.Envelope{Kind: consensus.AppendEntryResponseRPC, AppendEntryReply: &reply})
		return
	}

	if len(args.Entries) > 0 {
		r.log.Reconcile(args.PrevLogIndex, args.Entries)
	}

	if args.LeaderCommit > r.commitIndex {
		lastNew := args.PrevLogIndex + consensus.LogIndex(len(args.Entries))
		if args.LeaderCommit < lastNew {
			r.commitIndex = args.LeaderCommit
		} else {
			r.commitIndex = lastNew
		}
		r.notifyWaitersLocked()
		r.applyCond.Broadcast()
	}

	reply.Success = true
	reply.MatchIndex = args.PrevLogIndex + consensus.LogIndex(len(args.Entries))
	r.mu.Unlock()
	r.transport.Send(from, consensus.Envelope{Kind: consensus.AppendEntryResponseRPC, AppendEntryReply: &reply})
}

// firstIndexOfTermLocked returns the first index holding term, or 0 if
// the term never appears, scanning forward from the start of the log.
// Caller must hold mu.
func (r *Raft) firstIndexOfTermLocked(term consensus.Term) consensus.LogIndex {
	for i := consensus.LogIndex(1); i <= r.log.Size(); i++ {
		if r.log.TermAt(i) == term {
			return i
		}
	}
	return 0
}

// handleAppendEntryReply advances next/matchIndex on success, or
// backtracks nextIndex using the XTerm/XIndex/XLen fast path on
// failure, then recomputes the commit index.
func (r *Raft) handleAppendEntryReply(from consensus.NodeID, reply consensus.AppendEntryReply) {
	r.mu.Lock()

	if reply.Term > r.currentTerm {
		r.stepDownLocked(reply.Term)
		r.mu.Unlock()
		return
	}
	if r.role != consensus.Leader {
		r.mu.Unlock()
		return
	}

	if reply.Success {
		r.matchIndex[from] = max(r.matchIndex[from], reply.MatchIndex)
		r.nextIndex[from] = r.matchIndex[from] + 1
		r.updateCommitIndexLocked()
		r.mu.Unlock()
		return
	}

	switch {
	case reply.XTerm != 0:
		if last := r.log.LastIndexOfTerm(reply.XTerm); last != 0 {
			r.nextIndex[from] = last + 1
		} else {
			r.nextIndex[from] = reply.XIndex
		}
	default:
		r.nextIndex[from] = reply.XLen + 1
	}
	if r.nextIndex[from] < 1 {
		r.nextIndex[from] = 1
	}
	r.mu.Unlock()

	r.sendOneProbe(from)
}

func (r *Raft) sendOneProbe(peer consensus.NodeID) {
	r.mu.Lock()
	if r.role != consensus.Leader {
		r.mu.Unlock()
		return
	}
	next := r.nextIndex[peer]
	if next == 0 {
		next = 1
	}
	prevIndex := next - 1
	prevTerm := r.log.TermAt(prevIndex)
	entries := r.log.EntriesFrom(next)
	args := consensus.AppendEntryArgs{
		Term:         r.currentTerm,
		LeaderID:     r.self,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: r.commitIndex,
	}
	r.mu.Unlock()
	r.transport.Send(peer, consensus.Envelope{Kind: consensus.AppendEntryRPC, AppendEntryArgs: &args})
}

// updateCommitIndexLocked advances commitIndex to the highest index
// replicated on a majority of replicas whose term matches the current
// term — the restriction (Raft §5.4.2) that prevents a leader from
// committing (and thus exposing) an entry from an earlier term purely
// by replica count. Caller must hold mu.
func (r *Raft) updateCommitIndexLocked() {
	for n := r.log.Size(); n > r.commitIndex; n-- {
		if r.log.TermAt(n) != r.currentTerm {
			continue
		}
		count := 0
		for _, idx := range r.matchIndex {
			if idx >= n {
				count++
			}
		}
		if count >= r.cfg.Majority() {
			r.commitIndex = n
			if r.m != nil {
				r.m.CommitIndex.Set(float64(n))
			}
			r.notifyWaitersLocked()
			r.applyCond.Broadcast()
			return
		}
	}
}

func max(a, b consensus.LogIndex) consensus.LogIndex {
	if a > b {
		return a
	}
	return b
}
