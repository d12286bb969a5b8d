package lifecycle

// State is the lifecycle state of a component.
type State int

const (
	StateCreated State = iota
	StateInitializing
	StateInitialized
	StateStarting
	StateStarted
	StateStopping
	StateStopped
	StateErrored
	StateTerminating
	StateTerminated
)

// String returns the upper-case state name used in logs and status output.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateInitializing:
		return "INITIALIZING"
	case StateInitialized:
		return "INITIALIZED"
	case StateStarting:
		return "STARTING"
	case StateStarted:
		return "STARTED"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	case StateErrored:
		return "ERRORED"
	case StateTerminating:
		return "TERMINATING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Transient reports whether the state is only held while a transition runs.
func (s State) Transient() bool {
	switch s {
	case StateInitializing, StateStarting, StateStopping, StateTerminating:
		return true
	}
	return false
}

// Phase identifies a lifecycle transition.
type Phase int

const (
	PhaseInitialize Phase = iota
	PhaseStart
	PhaseStop
	PhaseTerminate
)

func (p Phase) String() string {
	switch p {
	case PhaseInitialize:
		return "initialize"
	case PhaseStart:
		return "start"
	case PhaseStop:
		return "stop"
	case PhaseTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// tolerant reports whether failures in this phase never abort a composite step.
func (p Phase) tolerant() bool {
	return p == PhaseStop || p == PhaseTerminate
}

// transitionRule describes one entry of the state machine.
type transitionRule struct {
	from    []State
	during  State
	success State
}

var transitionRules = map[Phase]transitionRule{
	PhaseInitialize: {
		from:    []State{StateCreated, StateStopped},
		during:  StateInitializing,
		success: StateInitialized,
	},
	PhaseStart: {
		from:    []State{StateInitialized, StateStopped},
		during:  StateStarting,
		success: StateStarted,
	},
	PhaseStop: {
		from:    []State{StateStarted},
		during:  StateStopping,
		success: StateStopped,
	},
	PhaseTerminate: {
		from:    []State{StateCreated, StateInitialized, StateStopped, StateErrored},
		during:  StateTerminating,
		success: StateTerminated,
	},
}

func (r transitionRule) allows(s State) bool {
	for _, f := range r.from {
		if f == s {
			return true
		}
	}
	return false
}
