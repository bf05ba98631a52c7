package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine_ApplyPutThenGet(t *testing.T) {
	sm := NewStateMachine()

	require.NoError(t, sm.Apply(Entry{Event: PutEvent, Key: "x", Value: 42}))

	v, ok := sm.Get("x")
	require.True(t, ok)
	assert.Equal(t, int64(42), v)
}

func TestStateMachine_DeleteMissingKeyIsNoop(t *testing.T) {
	sm := NewStateMachine()

	err := sm.Apply(Entry{Event: DeleteEvent, Key: "absent"})

	assert.NoError(t, err)
	_, ok := sm.Get("absent")
	assert.False(t, ok)
}

func TestStateMachine_DeleteRemovesExistingKey(t *testing.T) {
	sm := NewStateMachine()
	require.NoError(t, sm.Apply(Entry{Event: PostEvent, Key: "x", Value: 1}))
	require.NoError(t, sm.Apply(Entry{Event: DeleteEvent, Key: "x"}))

	_, ok := sm.Get("x")
	assert.False(t, ok)
}

func TestStateMachine_NoopAndGetDoNotMutate(t *testing.T) {
	sm := NewStateMachine()
	require.NoError(t, sm.Apply(Entry{Event: NoopEvent}))
	require.NoError(t, sm.Apply(Entry{Event: GetEvent, Key: "x"}))

	assert.Empty(t, sm.Snapshot())
}

func TestStateMachine_UnknownEventErrors(t *testing.T) {
	sm := NewStateMachine()
	err := sm.Apply(Entry{Event: Event(99), Key: "x"})
	assert.Error(t, err)
}
