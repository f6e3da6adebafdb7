package swr

// State is the lifecycle state of a watched key.
//
// Transition table:
//
//	Idle       -> Loading | Validating | Success | Stale
//	Loading    -> Success | Error
//	Success    -> Validating | Stale | Success
//	Error      -> Loading | Validating | Success | Stale | Error
//	Validating -> Success | Error
//	Stale      -> Validating | Success | Error
//
// Loading means no value is available yet; Validating means a value is shown
// while a fetch is in flight. There is no terminal state: handles are closed,
// not finished.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateSuccess
	StateError
	StateValidating
	StateStale
)

var transitions = map[State][]State{
	StateIdle:       {StateLoading, StateValidating, StateSuccess, StateStale},
	StateLoading:    {StateSuccess, StateError},
	StateSuccess:    {StateValidating, StateStale, StateSuccess},
	StateError:      {StateLoading, StateValidating, StateSuccess, StateStale, StateError},
	StateValidating: {StateSuccess, StateError},
	StateStale:      {StateValidating, StateSuccess, StateError},
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// InFlight reports whether a fetch is running in this state.
func (s State) InFlight() bool { return s == StateLoading || s == StateValidating }

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateSuccess:
		return "success"
	case StateError:
		return "error"
	case StateValidating:
		return "validating"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}
