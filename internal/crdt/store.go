package crdt

import (
	"sync"

	"github.com/ruvnet/kvconsensus/internal/consensus"
)

// Store is the last-writer-wins add/remove register set backing the
// CRDT key-to-integer service. Each key holds at most one insert
// record and at most one tombstone record; which one "wins" a read is
// decided by comparing their (vector clock, sender) total order, never
// by wall-clock arrival time.
type Store struct {
	mu         sync.RWMutex
	inserts    map[string]Record
	tombstones map[string]Record
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		inserts:    make(map[string]Record),
		tombstones: make(map[string]Record),
	}
}

// wins reports whether candidate should replace current under the
// store's total order: a later vector clock wins outright; concurrent
// writes are broken by comparing origin replica id, so every replica
// resolves the tie identically.
func wins(candidate, current Record, currentExists bool) bool {
	if !currentExists {
		return true
	}
	if candidate.VC.Greater(current.VC) {
		return true
	}
	if candidate.VC.Concurrent(current.VC) && candidate.Origin > current.Origin {
		return true
	}
	return false
}

// Put applies a PUT record, keeping it only if it wins against any
// insert already registered for key. Idempotent and commutative: the
// same record applied twice, or applied after its causal successors
// by anti-entropy, never regresses the stored value.
func (s *Store) Put(key string, origin consensus.NodeID, vc VectorClock, value int64) {
	record := Record{Origin: origin, VC: vc, Value: value, HasVal: true}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.inserts[key]
	if wins(record, current, exists) {
		s.inserts[key] = record
	}
}

// Delete applies a DELETE record as a tombstone, with the same
// winner-takes-it acceptance rule as Put.
func (s *Store) Delete(key string, origin consensus.NodeID, vc VectorClock) {
	record := Record{Origin: origin, VC: vc, HasVal: false}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.tombstones[key]
	if wins(record, current, exists) {
		s.tombstones[key] = record
	}
}

// Get returns the current value for key: present if the winning
// record between its insert and tombstone is the insert (or there is
// no tombstone at all).
func (s *Store) Get(key string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	insert, hasInsert := s.inserts[key]
	tomb, hasTomb := s.tombstones[key]
	if !hasInsert {
		return 0, false
	}
	if !hasTomb {
		return insert.Value, true
	}
	if wins(tomb, insert, true) {
		return 0, false
	}
	return insert.Value, true
}

// Snapshot returns a serialisable copy of the whole store, for
// anti-entropy SYNC broadcasts and the debug viewer.
func (s *Store) Snapshot() StoreSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := StoreSnapshot{
		Inserts:    make([]KeyedRecord, 0, len(s.inserts)),
		Tombstones: make([]KeyedRecord, 0, len(s.tombstones)),
	}
	for k, v := range s.inserts {
		snap.Inserts = append(snap.Inserts, KeyedRecord{Key: k, Record: v})
	}
	for k, v := range s.tombstones {
		snap.Tombstones = append(snap.Tombstones, KeyedRecord{Key: k, Record: v})
	}
	return snap
}

// MergeSnapshot absorbs a remote snapshot through the same acceptance
// rule as a live Put/Delete, so merging is idempotent and commutative
// — applying the same snapshot twice, or two snapshots in either
// order, converges to the same state.
func (s *Store) MergeSnapshot(snap StoreSnapshot) {
	for _, kr := range snap.Inserts {
		s.mu.Lock()
		current, exists := s.inserts[kr.Key]
		if wins(kr.Record, current, exists) {
			s.inserts[kr.Key] = kr.Record
		}
		s.mu.Unlock()
	}
	for _, kr := range snap.Tombstones {
		s.mu.Lock()
		current, exists := s.tombstones[kr.Key]
		if wins(kr.Record, current, exists) {
			s.tombstones[kr.Key] = kr.Record
		}
		s.mu.Unlock()
	}
}

// Keys returns every key with a currently-visible value, for the
// debug viewer's full snapshot dump.
func (s *Store) Keys() map[string]int64 {
	s.mu.RLock()
	keys := make([]string, 0, len(s.inserts))
	for k := range s.inserts {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	out := make(map[string]int64, len(keys))
	for _, k := range keys {
		if v, ok := s.Get(k); ok {
			out[k] = v
		}
	}
	return out
}
