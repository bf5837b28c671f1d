package schema

// NodeState is the run state of a concrete node.
type NodeState string

const (
	NodeStatePending NodeState = "pending"
	NodeStateCached  NodeState = "cached"
	NodeStateRunning NodeState = "running"
	NodeStateDone    NodeState = "done"
	NodeStateFailed  NodeState = "failed"
	NodeStateSkipped NodeState = "skipped"
)

// RunState is the lifecycle state of a whole workflow run.
type RunState string

const (
	RunStatePending   RunState = "pending"
	RunStateActive    RunState = "active"
	RunStateDone      RunState = "done"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

// ValidNodeTransitions defines the allowed node state transitions.
// A node's declared outputs are only readable in done or cached state.
var ValidNodeTransitions = map[NodeState][]NodeState{
	NodeStatePending: {NodeStateCached, NodeStateRunning, NodeStateSkipped},
	NodeStateRunning: {NodeStateDone, NodeStateFailed},
	NodeStateCached:  {},
	NodeStateDone:    {},
	NodeStateFailed:  {},
	NodeStateSkipped: {},
}

// ValidRunTransitions defines the allowed run state transitions.
var ValidRunTransitions = map[RunState][]RunState{
	RunStatePending:   {RunStateActive, RunStateCancelled},
	RunStateActive:    {RunStateDone, RunStateFailed, RunStateCancelled},
	RunStateDone:      {},
	RunStateFailed:    {},
	RunStateCancelled: {},
}

// NodeTransitionAllowed reports whether from -> to is a legal node transition.
func NodeTransitionAllowed(from, to NodeState) bool {
	for _, a := range ValidNodeTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// RunTransitionAllowed reports whether from -> to is a legal run transition.
func RunTransitionAllowed(from, to RunState) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a node state admits no further transitions.
func (s NodeState) Terminal() bool {
	return len(ValidNodeTransitions[s]) == 0
}

// Satisfied reports whether a node state satisfies downstream dependencies.
func (s NodeState) Satisfied() bool {
	return s == NodeStateDone || s == NodeStateCached
}
