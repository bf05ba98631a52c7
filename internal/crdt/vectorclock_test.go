package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ruvnet/kvconsensus/internal/consensus"
)

func TestVectorClock_LessIsIrreflexive(t *testing.T) {
	vc := VectorClock{"1": 2, "2": 3}
	assert.False(t, vc.Less(vc))
	assert.False(t, vc.Greater(vc))
}

func TestVectorClock_StrictlyLess(t *testing.T) {
	a := VectorClock{"1": 1, "2": 1}
	b := VectorClock{"1": 2, "2": 1}
	assert.True(t, a.Less(b))
	assert.True(t, b.Greater(a))
	assert.False(t, b.Less(a))
}

func TestVectorClock_Concurrent(t *testing.T) {
	a := VectorClock{"1": 2, "2": 1}
	b := VectorClock{"1": 1, "2": 2}
	assert.True(t, a.Concurrent(b))
	assert.True(t, b.Concurrent(a))
	assert.False(t, a.Less(b))
	assert.False(t, a.Greater(b))
}

func TestVectorClock_EqualIsNotConcurrent(t *testing.T) {
	a := VectorClock{"1": 1}
	b := VectorClock{"1": 1}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Concurrent(b))
}

func TestVectorClock_Merge(t *testing.T) {
	a := VectorClock{"1": 1, "2": 5}
	b := VectorClock{"1": 3, "3": 2}
	merged := a.Merge(b)

	assert.Equal(t, uint64(3), merged[consensus.NodeID("1")])
	assert.Equal(t, uint64(5), merged[consensus.NodeID("2")])
	assert.Equal(t, uint64(2), merged[consensus.NodeID("3")])
}
