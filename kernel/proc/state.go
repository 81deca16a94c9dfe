package proc

// State describes the scheduling state of a process.
type State uint8

// The supported process states.
const (
	Waiting State = iota
	Running
	Sleeping
	Dead
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// CanTransitionTo returns true if a process in state s may move to next.
// A waiting process can only be dispatched; a running one can be preempted,
// put to sleep or killed; a sleeping one can only be woken up.
func (s State) CanTransitionTo(next State) bool {
	switch s {
	case Waiting:
		return next == Running
	case Running:
		return next == Waiting || next == Sleeping || next == Dead
	case Sleeping:
		return next == Waiting
	default:
		return false
	}
}
