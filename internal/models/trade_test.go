package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition_LegalEdges(t *testing.T) {
	assert.True(t, StatePending.CanTransition(StateLocked))
	assert.True(t, StateLocked.CanTransition(StateDelivered))
	assert.True(t, StateLocked.CanTransition(StateReleased))
	assert.True(t, StateLocked.CanTransition(StateRefunded))
	assert.True(t, StateDelivered.CanTransition(StateReleased))
}

func TestCanTransition_IllegalEdges(t *testing.T) {
	all := []State{StatePending, StateLocked, StateDelivered, StateReleased, StateRefunded}

	legal := map[[2]State]bool{
		{StatePending, StateLocked}:     true,
		{StateLocked, StateDelivered}:   true,
		{StateLocked, StateReleased}:    true,
		{StateLocked, StateRefunded}:    true,
		{StateDelivered, StateReleased}: true,
	}

	for _, from := range all {
		for _, to := range all {
			want := legal[[2]State{from, to}]
			assert.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
	}

	// The contested edge: a claimed delivery closes the refund path.
	assert.False(t, StateDelivered.CanTransition(StateRefunded))
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, StateReleased.Terminal())
	assert.True(t, StateRefunded.Terminal())
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateLocked.Terminal())
	assert.False(t, StateDelivered.Terminal())
}

func TestActiveStates(t *testing.T) {
	assert.ElementsMatch(t,
		[]State{StatePending, StateLocked, StateDelivered},
		ActiveStates(),
	)
	assert.False(t, StateReleased.Active())
	assert.False(t, StateRefunded.Active())
}
