// Package crdt implements the eventually-consistent key-to-integer
// store: reliable causal broadcast (RCB) of client operations,
// delivered into a last-writer-wins add/remove store, kept converged
// across lost datagrams by periodic anti-entropy. Grounded on the
// teacher's internal/consensus/crdt package's VectorClock and message
// shape, replacing its general-purpose CRDT interface (GCounter,
// PNCounter, GSet, ORSet) with the single LWW store this domain needs.
package crdt

import (
	"fmt"

	"github.com/ruvnet/kvconsensus/internal/consensus"
)

// VectorClock counts delivered messages per origin replica.
type VectorClock map[consensus.NodeID]uint64

// Clone returns an independent copy.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Less reports whether vc is strictly less than other: every entry of
// vc is <= the corresponding entry of other, and at least one is
// strictly smaller. This is the irreflexive "happens-before" relation
// — vc.Less(vc) is always false, unlike a naive component-wise <=
// check, which is what the spec's vector-clock Open Question calls
// for (the reference implementation's Python used a reflexive <=).
func (vc VectorClock) Less(other VectorClock) bool {
	strictlyLess := false
	for node, count := range vc {
		if count > other[node] {
			return false
		}
		if count < other[node] {
			strictlyLess = true
		}
	}
	for node, count := range other {
		if _, ok := vc[node]; !ok && count > 0 {
			strictlyLess = true
		}
	}
	return strictlyLess
}

// Greater is the mirror of Less.
func (vc VectorClock) Greater(other VectorClock) bool {
	return other.Less(vc)
}

// Equal reports whether every entry matches.
func (vc VectorClock) Equal(other VectorClock) bool {
	if len(vc) != len(other) {
		return false
	}
	for node, count := range vc {
		if other[node] != count {
			return false
		}
	}
	return true
}

// Concurrent reports whether neither clock happens-before the other.
func (vc VectorClock) Concurrent(other VectorClock) bool {
	return !vc.Less(other) && !other.Less(vc) && !vc.Equal(other)
}

// Merge returns the component-wise maximum of vc and other.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := vc.Clone()
	for node, count := range other {
		if count > out[node] {
			out[node] = count
		}
	}
	return out
}

// MessageKind distinguishes a causally-ordered client operation from
// an anti-entropy full-state sync, which bypasses ordering entirely.
type MessageKind string

const (
	EventMessage MessageKind = "EVENT"
	SyncMessage  MessageKind = "SYNC"
)

// OpKind is the client-visible effect an EVENT message carries.
type OpKind string

const (
	PutOp    OpKind = "PUT"
	DeleteOp OpKind = "DELETE"
)

// MessageID uniquely identifies an EVENT message by its origin and the
// origin's per-replica sequence counter — never a random UUID, so
// FIFO-per-sender delivery can be checked by simple integer comparison.
type MessageID struct {
	Origin consensus.NodeID `json:"origin"`
	Seq    uint64           `json:"seq"`
}

func (id MessageID) String() string {
	return fmt.Sprintf("%s:%d", id.Origin, id.Seq)
}

// Record is one LWW entry: the replica that produced it, the vector
// clock it was produced under, and its value (absent for a tombstone).
type Record struct {
	Origin consensus.NodeID `json:"origin"`
	VC     VectorClock      `json:"vc"`
	Value  int64            `json:"value"`
	HasVal bool             `json:"has_val"`
}

// Message is the wire envelope for every RCB datagram.
type Message struct {
	Kind   MessageKind `json:"kind"`
	ID     MessageID   `json:"id,omitempty"`
	Sender consensus.NodeID `json:"sender"`
	VC     VectorClock `json:"vc,omitempty"`

	Op    OpKind `json:"op,omitempty"`
	Key   string `json:"key,omitempty"`
	Value int64  `json:"value,omitempty"`

	// Snapshot carries the full LWW store for a SYNC message, brotli
	// compressed on the wire to stay under the datagram cap.
	Snapshot *StoreSnapshot `json:"snapshot,omitempty"`
}

// KeyedRecord pairs a store key with the LWW record registered under it.
type KeyedRecord struct {
	Key    string `json:"key"`
	Record Record `json:"record"`
}

// StoreSnapshot is the full serialisable state of one replica's LWW
// store, used by anti-entropy.
type StoreSnapshot struct {
	Inserts    []KeyedRecord `json:"inserts"`
	Tombstones []KeyedRecord `json:"tombstones"`
}
