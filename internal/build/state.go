package build

import (
	"fmt"
	"sync"
)

// Execution state of a stage.
type State string

const (
	StatePending   State = "pending"   // Not started; stays here when a dependency fails.
	StateExecuting State = "executing" // Container running or cache being consulted.
	StateComplete  State = "complete"  // All steps succeeded and ports are extracted.
	StateFailed    State = "failed"    // A step, install, or extraction failed.
)

// Reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

func allowedTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateExecuting
	case StateExecuting:
		return to == StateComplete || to == StateFailed
	}
	return false
}

// Per-stage states of one platform build. Safe for concurrent use.
type stateTable struct {
	mu     sync.Mutex
	states map[string]State
}

func newStateTable(stages []string) *stateTable {
	t := &stateTable{states: make(map[string]State, len(stages))}
	for _, s := range stages {
		t.states[s] = StatePending
	}
	return t
}

// Moves stage to the given state. Only the transitions of the stage state
// machine are accepted.
func (t *stateTable) transition(stage string, to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	from, ok := t.states[stage]
	if !ok {
		return fmt.Errorf("unknown stage %q", stage)
	}
	if !allowedTransition(from, to) {
		return fmt.Errorf("stage %q: invalid transition %s -> %s", stage, from, to)
	}
	t.states[stage] = to
	return nil
}

func (t *stateTable) get(stage string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[stage]
}
