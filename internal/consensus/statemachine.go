package consensus

import (
	"fmt"
	"sync"
)

// StateMachine is the deterministic key-to-integer store every
// committed log entry is applied to, in commit order, on every
// replica. Values are independent int64 counters keyed by string.
type StateMachine struct {
	mu    sync.RWMutex
	store map[string]int64
}

// NewStateMachine returns an empty store.
func NewStateMachine() *StateMachine {
	return &StateMachine{store: make(map[string]int64)}
}

// Get reads the current value for a key.
func (s *StateMachine) Get(key string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.store[key]
	return v, ok
}

// Apply dispatches a committed entry's event against the store.
// DELETE of a key that is not present is a no-op, not an error — the
// end state ("key absent") is the same either way, so there is
// nothing for a deterministic state machine to reject.
func (s *StateMachine) Apply(entry Entry) error {
	switch entry.Event {
	case NoopEvent, GetEvent:
		return nil
	case PostEvent, PutEvent:
		s.mu.Lock()
		s.store[entry.Key] = entry.Value
		s.mu.Unlock()
		return nil
	case DeleteEvent:
		s.mu.Lock()
		delete(s.store, entry.Key)
		s.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("statemachine: unknown event kind %v", entry.Event)
	}
}

// Snapshot returns a point-in-time copy of the whole store, for the
// debug viewer.
func (s *StateMachine) Snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.store))
	for k, v := range s.store {
		out[k] = v
	}
	return out
}
