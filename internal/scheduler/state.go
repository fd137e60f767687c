package scheduler

import "fmt"

// State is the position of a station in its cycle.
type State string

const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateWriting     State = "writing"
	StateAggregating State = "aggregating"
	StateAdvancing   State = "advancing"
	StateBackoff     State = "backoff"
	StateStopped     State = "stopped"
)

var transitions = map[State][]State{
	StateIdle:        {StateFetching, StateStopped},
	StateFetching:    {StateWriting, StateAdvancing, StateBackoff, StateIdle},
	StateWriting:     {StateAggregating, StateBackoff},
	StateAggregating: {StateAdvancing, StateBackoff},
	StateAdvancing:   {StateIdle, StateBackoff},
	StateBackoff:     {StateIdle, StateStopped},
	StateStopped:     {StateIdle},
}

// CanTransition reports whether the state machine allows s -> to.
// Fetching -> Idle covers a planned window that is already empty.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Busy reports whether a cycle is in flight.
func (s State) Busy() bool {
	switch s {
	case StateFetching, StateWriting, StateAggregating, StateAdvancing:
		return true
	}
	return false
}

type transitionError struct {
	from, to State
}

func (e transitionError) Error() string {
	return fmt.Sprintf("scheduler: invalid transition %s -> %s", e.from, e.to)
}
