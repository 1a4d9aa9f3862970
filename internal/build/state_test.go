package build

import "testing"

func TestAllowedTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateExecuting, true},
		{StatePending, StateComplete, false},
		{StatePending, StateFailed, false},
		{StateExecuting, StateComplete, true},
		{StateExecuting, StateFailed, true},
		{StateExecuting, StatePending, false},
		{StateComplete, StateExecuting, false},
		{StateComplete, StateFailed, false},
		{StateFailed, StateExecuting, false},
		{StateFailed, StatePending, false},
	}

	for _, tt := range tests {
		if got := allowedTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStateTable(t *testing.T) {
	table := newStateTable([]string{"builder", "runtime"})

	if got := table.get("builder"); got != StatePending {
		t.Fatalf("initial state = %s, want pending", got)
	}

	if err := table.transition("builder", StateExecuting); err != nil {
		t.Fatalf("pending -> executing: %v", err)
	}
	if err := table.transition("builder", StateFailed); err != nil {
		t.Fatalf("executing -> failed: %v", err)
	}
	if err := table.transition("builder", StateExecuting); err == nil {
		t.Fatal("expected error retrying a failed stage")
	}

	if err := table.transition("runtime", StateComplete); err == nil {
		t.Fatal("expected error skipping executing")
	}
	if err := table.transition("docs", StateExecuting); err == nil {
		t.Fatal("expected error for unknown stage")
	}
}

func TestTerminal(t *testing.T) {
	for s, want := range map[State]bool{
		StatePending:   false,
		StateExecuting: false,
		StateComplete:  true,
		StateFailed:    true,
	} {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}
