package experiments

// State of a Manager.
type State int

const (
	// StateNoSession is the state before Open and after Close.
	StateNoSession State = iota
	// StateInSession is set when a session (possibly the initial one) is current and no run is active.
	StateInSession
	// StateInRun is set while a run is active.
	StateInRun
)

func (s State) String() string {
	switch s {
	case StateNoSession:
		return "no session"
	case StateInSession:
		return "in session"
	case StateInRun:
		return "in run"
	default:
		return "unknown state"
	}
}
