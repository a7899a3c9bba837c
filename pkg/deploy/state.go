package deploy

// State is a step of Connect or Deploy for one alias.
type State int

const (
	Lookup State = iota
	Probe
	Decide
	Deploy
	Connected
)

func (s State) String() string {
	switch s {
	case Lookup:
		return "lookup"
	case Probe:
		return "probe"
	case Decide:
		return "decide"
	case Deploy:
		return "deploy"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// StateObserver is told about each state a connection attempt enters.
// It is called synchronously and must not block.
type StateObserver func(alias string, state State)
