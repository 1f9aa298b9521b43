package upstream

// State: состояние коннектора. Менять только через Connector.transition.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Authenticated
	Error
	ShuttingDown
)

var stateNames = [...]string{
	Disconnected:  "disconnected",
	Connecting:    "connecting",
	Connected:     "connected",
	Authenticated: "authenticated",
	Error:         "error",
	ShuttingDown:  "shutting_down",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Live: Connected или Authenticated.
func (s State) Live() bool { return s == Connected || s == Authenticated }

// StateListener вызывается после каждого перехода, вне внутренних блокировок.
type StateListener func(prev, next State)
