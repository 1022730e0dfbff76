package peer

import "fmt"

// State is the client's server binding state.
type State int

const (
	// StateUnresolved means no server has been configured yet.
	StateUnresolved State = iota
	// StateResolving means a host lookup is in flight; sends are queued.
	StateResolving
	// StateResolved means a usable address is known but no socket is bound.
	StateResolved
	StateBound
	// StateInactive means the configured server produced no address.
	// Sends are discarded until a new server is configured.
	StateInactive
)

func (s State) String() string {
	switch s {
	case StateUnresolved:
		return "unresolved"
	case StateResolving:
		return "resolving"
	case StateResolved:
		return "resolved"
	case StateBound:
		return "bound"
	case StateInactive:
		return "inactive"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
