package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_PutThenGet(t *testing.T) {
	s := NewStore()
	s.Put("x", "1", VectorClock{"1": 1}, 42)

	v, ok := s.Get("x")
	require.True(t, ok)
	assert.Equal(t, int64(42), v)
}

func TestStore_LaterVectorClockWins(t *testing.T) {
	s := NewStore()
	s.Put("x", "1", VectorClock{"1": 1}, 1)
	s.Put("x", "1", VectorClock{"1": 2}, 2)

	v, ok := s.Get("x")
	require.True(t, ok)
	assert.Equal(t, int64(2), v)
}

func TestStore_OutOfOrderDeliveryStillConverges(t *testing.T) {
	s := NewStore()
	// The newer write arrives first, the older write arrives second —
	// the store must not regress to the older value.
	s.Put("x", "1", VectorClock{"1": 2}, 2)
	s.Put("x", "1", VectorClock{"1": 1}, 1)

	v, ok := s.Get("x")
	require.True(t, ok)
	assert.Equal(t, int64(2), v)
}

func TestStore_ConcurrentWritesBreakTieBySender(t *testing.T) {
	s := NewStore()
	s.Put("x", "1", VectorClock{"1": 1, "2": 0}, 10)
	s.Put("x", "2", VectorClock{"1": 0, "2": 1}, 20)

	v, ok := s.Get("x")
	require.True(t, ok)
	assert.Equal(t, int64(20), v, "higher origin id should win a concurrent write")
}

func TestStore_DeleteWinningOverInsertHidesKey(t *testing.T) {
	s := NewStore()
	s.Put("x", "1", VectorClock{"1": 1}, 5)
	s.Delete("x", "1", VectorClock{"1": 2})

	_, ok := s.Get("x")
	assert.False(t, ok)
}

func TestStore_ReinsertAfterDeleteWins(t *testing.T) {
	s := NewStore()
	s.Put("x", "1", VectorClock{"1": 1}, 5)
	s.Delete("x", "1", VectorClock{"1": 2})
	s.Put("x", "1", VectorClock{"1": 3}, 9)

	v, ok := s.Get("x")
	require.True(t, ok)
	assert.Equal(t, int64(9), v)
}

func TestStore_MergeSnapshotIsIdempotent(t *testing.T) {
	s := NewStore()
	s.Put("x", "1", VectorClock{"1": 1}, 7)
	snap := s.Snapshot()

	other := NewStore()
	other.MergeSnapshot(snap)
	other.MergeSnapshot(snap)

	v, ok := other.Get("x")
	require.True(t, ok)
	assert.Equal(t, int64(7), v)
}
