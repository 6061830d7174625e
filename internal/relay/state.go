package relay

// State TCP 中继状态
type State int32

const (
	StateGreetingWait State = iota
	StateRequestWait
	StateConnecting
	StateAssociate
	StatePiping
	StateClosed
)

var stateNames = [...]string{
	StateGreetingWait: "greeting",
	StateRequestWait:  "request",
	StateConnecting:   "connecting",
	StateAssociate:    "associate",
	StatePiping:       "piping",
	StateClosed:       "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// canTransition 状态迁移表, 任意状态都可进入 Closed
func canTransition(from, to State) bool {
	if from == StateClosed {
		return false
	}
	if to == StateClosed {
		return true
	}
	switch from {
	case StateGreetingWait:
		return to == StateRequestWait
	case StateRequestWait:
		return to == StateConnecting || to == StateAssociate
	case StateConnecting:
		return to == StatePiping
	}
	return false
}
