package consensus

import "sync"

// Log is the replicated log every Raft replica keeps locally. Entries
// are 1-indexed; Get/Append operate in that index space so callers
// never have to translate to/from a zero-based slice themselves.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{entries: make([]Entry, 0)}
}

// Size returns the index of the last entry in the log (0 if empty).
func (l *Log) Size() LogIndex {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LogIndex(len(l.entries))
}

// Get returns the entry at the given 1-based index, and whether it
// exists.
func (l *Log) Get(index LogIndex) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 1 || int(index) > len(l.entries) {
		return Entry{}, false
	}
	return l.entries[index-1], true
}

// LastTerm returns the term of the last entry, or 0 for an empty log.
func (l *Log) LastTerm() Term {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Term
}

// TermAt returns the term stored at index, or 0 if out of range.
func (l *Log) TermAt(index LogIndex) Term {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 1 || int(index) > len(l.entries) {
		return 0
	}
	return l.entries[index-1].Term
}

// MatchesPrev reports whether the log has an entry at prevIndex with
// exactly prevTerm — the AppendEntry consistency check. Index 0 always
// matches: it means "replicate from the very beginning".
func (l *Log) MatchesPrev(prevIndex LogIndex, prevTerm Term) bool {
	if prevIndex == 0 {
		return true
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if int(prevIndex) > len(l.entries) {
		return false
	}
	return l.entries[prevIndex-1].Term == prevTerm
}

// AppendLeader appends a new entry as the leader, assigning it the
// next index itself, and returns the assigned index.
func (l *Log) AppendLeader(term Term, event Event, key string, value int64) LogIndex {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := Entry{
		Index: LogIndex(len(l.entries) + 1),
		Term:  term,
		Event: event,
		Key:   key,
		Value: value,
	}
	l.entries = append(l.entries, entry)
	return entry.Index
}

// Reconcile is the follower-side log-update step of AppendEntry: given
// the leader's prevIndex and the entries following it, truncate any
// conflicting suffix and append whatever is missing. It is idempotent
// — replaying the same (prevIndex, entries) twice leaves the log
// unchanged the second time.
func (l *Log) Reconcile(prevIndex LogIndex, entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, entry := range entries {
		pos := int(prevIndex) + i
		if pos < len(l.entries) {
			if l.entries[pos].Term != entry.Term {
				l.entries = l.entries[:pos]
				l.entries = append(l.entries, entry)
			}
			continue
		}
		l.entries = append(l.entries, entry)
	}
}

// EntriesFrom returns a copy of every entry from index (inclusive) to
// the end of the log, for a leader to ship to a lagging follower.
func (l *Log) EntriesFrom(index LogIndex) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 1 || int(index) > len(l.entries) {
		return nil
	}
	out := make([]Entry, len(l.entries)-int(index)+1)
	copy(out, l.entries[index-1:])
	return out
}

// LastIndexOfTerm returns the highest index holding the given term, or
// 0 if the term never appears — used by the leader's XTerm backtrack.
func (l *Log) LastIndexOfTerm(term Term) LogIndex {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Term == term {
			return LogIndex(i + 1)
		}
	}
	return 0
}
