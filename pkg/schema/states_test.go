package schema

import "testing"

func TestNodeTransitions(t *testing.T) {
	allowed := [][2]NodeState{
		{NodeStatePending, NodeStateCached},
		{NodeStatePending, NodeStateRunning},
		{NodeStatePending, NodeStateSkipped},
		{NodeStateRunning, NodeStateDone},
		{NodeStateRunning, NodeStateFailed},
	}
	for _, pair := range allowed {
		if !NodeTransitionAllowed(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be allowed", pair[0], pair[1])
		}
	}

	denied := [][2]NodeState{
		{NodeStateDone, NodeStateRunning},
		{NodeStateFailed, NodeStateRunning},
		{NodeStateCached, NodeStateRunning},
		{NodeStateSkipped, NodeStateRunning},
		{NodeStatePending, NodeStateDone},
		{NodeStateRunning, NodeStateCached},
	}
	for _, pair := range denied {
		if NodeTransitionAllowed(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be rejected", pair[0], pair[1])
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []NodeState{NodeStateCached, NodeStateDone, NodeStateFailed, NodeStateSkipped} {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []NodeState{NodeStatePending, NodeStateRunning} {
		if s.Terminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestSatisfied(t *testing.T) {
	if !NodeStateDone.Satisfied() || !NodeStateCached.Satisfied() {
		t.Error("done and cached must satisfy dependencies")
	}
	if NodeStateFailed.Satisfied() || NodeStateSkipped.Satisfied() || NodeStatePending.Satisfied() {
		t.Error("failed, skipped and pending must not satisfy dependencies")
	}
}

func TestCompatible(t *testing.T) {
	cases := []struct {
		src, dst FieldType
		want     bool
	}{
		{TypeString, TypeString, true},
		{TypeInt, TypeFloat, true},
		{TypeFloat, TypeInt, false},
		{TypeAny, TypeFile, true},
		{TypeFile, TypeAny, true},
		{TypeString, TypeInt, false},
		{TypeList, TypeMap, false},
	}
	for _, c := range cases {
		if got := Compatible(c.src, c.dst); got != c.want {
			t.Errorf("Compatible(%s, %s) = %v, want %v", c.src, c.dst, got, c.want)
		}
	}
}

func TestErrorFormat(t *testing.T) {
	err := NewErrorf(ErrCodeTypeMismatch, "cannot connect %s to %s", "string", "int").WithNode("align")
	want := "[TYPE_MISMATCH] node align: cannot connect string to int"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
	if CodeOf(err) != ErrCodeTypeMismatch {
		t.Errorf("CodeOf = %q", CodeOf(err))
	}
}
