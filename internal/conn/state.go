package conn

// State is one of the six per-peer connection states of spec.md §4.2.1.
type State int

const (
	OwnRequestPending State = iota
	FriendRequestPending
	ExpectingIP
	ExpectingIPConfirm
	Connected
	Deleting
)

func (s State) String() string {
	switch s {
	case OwnRequestPending:
		return "OwnRequestPending"
	case FriendRequestPending:
		return "FriendRequestPending"
	case ExpectingIP:
		return "ExpectingIP"
	case ExpectingIPConfirm:
		return "ExpectingIPConfirm"
	case Connected:
		return "Connected"
	case Deleting:
		return "Deleting"
	default:
		return "Unknown"
	}
}

// Action is the compensating action a Handle/Accept/Reject/Close call asks
// the owning Multiplexer to take. The FSM never reaches back into the Mux
// itself (DESIGN NOTES §9: avoid back-pointers) — it only reports what
// happened.
type Action int

const (
	ActionNone Action = iota
	ActionDelete
)

// Event is the subset of spec.md §4.4's event alphabet that the FSM itself
// raises while processing an inbound packet. Requested is raised by the
// Multiplexer at connection creation, not by Connection — see mux/mux.go.
type Event int

const (
	// EventNone means Handle produced nothing worth surfacing to the user.
	EventNone Event = iota
	// EventAccepted fires the first time a connection reaches Connected.
	EventAccepted
	// EventRejected fires when the initiator's request is turned down.
	EventRejected
	// EventClosed fires on a remote close/reset or a local failure that
	// tears the connection down; it does not fire for a locally-initiated
	// Close/Reject, since the caller already knows it asked for that.
	EventClosed
)
