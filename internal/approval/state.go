package approval

type State int

const (
	StateIdle State = iota
	StateCreating
	StateAwaitingApproval
	StateSigned
	StateRejected
	StateTimedOut
	StateErrored
)

var stateNames = map[State]string{
	StateIdle:             "idle",
	StateCreating:         "creating",
	StateAwaitingApproval: "awaiting_approval",
	StateSigned:           "signed",
	StateRejected:         "rejected",
	StateTimedOut:         "timed_out",
	StateErrored:          "errored",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) Terminal() bool {
	switch s {
	case StateSigned, StateRejected, StateTimedOut, StateErrored:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StateIdle:             {StateCreating, StateErrored},
	StateCreating:         {StateAwaitingApproval, StateErrored},
	StateAwaitingApproval: {StateSigned, StateRejected, StateTimedOut, StateErrored},
}

// CanTransition reports whether the handshake may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
