package reconcile

// State is a step of the reconcile state machine.
type State int32

const (
	StateIdle State = iota
	StateCheckingLag
	StateSkipped
	StateFetching
	StateDecoding
	StateResolving
	StatePersisting
	StateDone
)

var stateNames = [...]string{
	StateIdle:        "idle",
	StateCheckingLag: "checking_lag",
	StateSkipped:     "skipped",
	StateFetching:    "fetching",
	StateDecoding:    "decoding",
	StateResolving:   "resolving",
	StatePersisting:  "persisting",
	StateDone:        "done",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
