package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState_CanTransition(t *testing.T) {
	allowed := [][2]State{
		{StateIdle, StateFetching},
		{StateFetching, StateWriting},
		{StateFetching, StateAdvancing},
		{StateWriting, StateAggregating},
		{StateAggregating, StateAdvancing},
		{StateAdvancing, StateIdle},
		{StateWriting, StateBackoff},
		{StateBackoff, StateIdle},
		{StateBackoff, StateStopped},
		{StateStopped, StateIdle},
	}
	for _, tr := range allowed {
		assert.True(t, tr[0].CanTransition(tr[1]), "%s -> %s", tr[0], tr[1])
	}

	rejected := [][2]State{
		{StateIdle, StateAdvancing},
		{StateFetching, StateAggregating},
		{StateWriting, StateStopped},
		{StateAdvancing, StateFetching},
		{StateStopped, StateFetching},
		{StateBackoff, StateFetching},
	}
	for _, tr := range rejected {
		assert.False(t, tr[0].CanTransition(tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestStationTask_SetStateRejectsInvalid(t *testing.T) {
	task := newStationTask(newStation("a", 1))
	assert.NoError(t, task.setState(StateFetching))
	assert.NoError(t, task.setState(StateIdle))
	assert.Error(t, task.setState(StateAggregating))
	assert.Equal(t, StateIdle, task.currentState())
	assert.False(t, StateIdle.Busy())
	assert.True(t, StateWriting.Busy())
}
