// Package config holds the CLI configuration types gathered from the
// interactive prompts in cmd/tapmesh.
package config

// Role represents the user's chosen role for this run: host (runs the
// signaling server and waits for friends to dial in) or client (dials a
// friend's signaling server).
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

// DefaultMTU is MTU_T, the maximum transport packet size (spec.md §4.1),
// chosen small enough to stay under common Internet PMTU when carried over
// WebRTC's SCTP-over-UDP (SPEC_FULL.md §4.1).
const DefaultMTU = 1350

// Config stores all parameters gathered from the interactive CLI prompts.
type Config struct {
	Role Role
	MTU  int

	// Host: the PIN-protected signaling port is picked at random and
	// printed to the user; there is no fixed field for it here.

	// Client: the friend's signaling URL, e.g. "ws://host:port/ws?pin=123456".
	WSURL string

	// FriendHandle identifies the peer on the wire. For a client dialing
	// in, it is self-assigned; a host learns its friends' handles from
	// Server.OnNewPeer.
	FriendHandle uint32

	// Debug enables verbose FSM/transport logging.
	Debug bool
}
