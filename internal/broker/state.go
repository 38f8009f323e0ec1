package broker

// State is a step of the key request state machine
type State int

const (
	StateReceivedRequest State = iota
	StateCheckingCache
	StateCacheHit
	StateCacheMiss
	StateFetchingCertificate
	StateBuildingMessage
	StateExchangingLicense
	StateResponding
	StateDone
	StateError
)

var stateNames = map[State]string{
	StateReceivedRequest:     "ReceivedRequest",
	StateCheckingCache:       "CheckingCache",
	StateCacheHit:            "CacheHit",
	StateCacheMiss:           "CacheMiss",
	StateFetchingCertificate: "FetchingCertificate",
	StateBuildingMessage:     "BuildingMessage",
	StateExchangingLicense:   "ExchangingLicense",
	StateResponding:          "Responding",
	StateDone:                "Done",
	StateError:               "Error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Terminal reports whether s ends a run
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

// transitions lists the legal successors of every non-terminal state.
// StateError is implicitly reachable from all of them.
var transitions = map[State][]State{
	StateReceivedRequest:     {StateCheckingCache},
	StateCheckingCache:       {StateCacheHit, StateCacheMiss},
	StateCacheHit:            {StateResponding, StateCacheMiss},
	StateCacheMiss:           {StateFetchingCertificate},
	StateFetchingCertificate: {StateBuildingMessage},
	StateBuildingMessage:     {StateExchangingLicense},
	StateExchangingLicense:   {StateResponding},
	StateResponding:          {StateDone},
}

// CanTransition reports whether next may follow s
func (s State) CanTransition(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == StateError {
		return true
	}
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}
