package mux

import "github.com/1ureka/tapmesh/internal/conn"

// EventKind is the public event alphabet of the multiplexer: connection
// requested, accepted, rejected, or closed (remote-close, reset, and local
// failure are all reported as Closed).
type EventKind int

const (
	Requested EventKind = iota
	Accepted
	Rejected
	Closed
)

func (k EventKind) String() string {
	switch k {
	case Requested:
		return "Requested"
	case Accepted:
		return "Accepted"
	case Rejected:
		return "Rejected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Event is delivered to the handler registered with SetEventHandler.
type Event struct {
	Kind   EventKind
	Friend uint32
}

// fromConnEvent converts a conn.Event raised while handling one packet into
// the public EventKind, or reports ok=false when nothing should be
// surfaced.
func fromConnEvent(e conn.Event) (EventKind, bool) {
	switch e {
	case conn.EventAccepted:
		return Accepted, true
	case conn.EventRejected:
		return Rejected, true
	case conn.EventClosed:
		return Closed, true
	default:
		return 0, false
	}
}

// PublicState is the user-facing connection state of spec.md §4.4, coarser
// than conn.State.
type PublicState int

const (
	Disconnected PublicState = iota
	RingingAtFriend
	FriendIsRinging
	StateConnected
)

func (s PublicState) String() string {
	switch s {
	case RingingAtFriend:
		return "RingingAtFriend"
	case FriendIsRinging:
		return "FriendIsRinging"
	case StateConnected:
		return "Connected"
	default:
		return "Disconnected"
	}
}

// publicStateOf maps the six internal FSM states onto the four states
// spec.md §4.4 exposes to callers. ExpectingIP/ExpectingIPConfirm are
// reported as the side of the handshake that is still pending confirmation
// from the peer, since the user-visible handshake isn't done until
// Connected (an Open Question resolution, see DESIGN.md).
func publicStateOf(s conn.State) PublicState {
	switch s {
	case conn.OwnRequestPending, conn.ExpectingIPConfirm:
		return RingingAtFriend
	case conn.FriendRequestPending, conn.ExpectingIP:
		return FriendIsRinging
	case conn.Connected:
		return StateConnected
	default:
		return Disconnected
	}
}
