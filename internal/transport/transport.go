// Package transport declares the contract the core consumes from the
// external peer-to-peer messaging layer (spec.md §6): short custom packets
// identified by friend handle, two delivery classes, and an iteration
// interval hint. The core never depends on a concrete backend — see
// transport/webrtc for the one this module ships.
package transport

import "time"

// Driver is the external transport contract. Implementations are expected
// to be safe for concurrent use: OnReceive's callback may fire from a
// different goroutine than the one driving Iterate, and Mux serializes
// access on its side (spec.md §5 adaptation, see DESIGN.md).
type Driver interface {
	// SendLossless delivers payload to friend over the reliable/ordered
	// class. Returns false if the send could not be enqueued.
	SendLossless(friend uint32, payload []byte) bool

	// SendLossy delivers payload to friend over the best-effort/unordered
	// class. Returns false if the send could not be enqueued.
	SendLossy(friend uint32, payload []byte) bool

	// OnReceive registers the callback invoked for every inbound packet,
	// as (friend handle, raw payload). Only one callback is retained; the
	// most recent call wins.
	OnReceive(func(friend uint32, payload []byte))

	// IterationInterval hints how often the caller's main loop should
	// invoke the driver's own housekeeping (e.g. ICE/SCTP ticking).
	IterationInterval() time.Duration
}
