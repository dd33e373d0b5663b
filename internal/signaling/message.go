// Package signaling is the rendezvous mechanism that turns a human-shared
// PIN into a friend handle and a negotiated WebRTC peer, adapted from the
// teacher's single two-party PIN-protected WebSocket exchange into a
// multi-peer rendezvous keyed by friend handle (spec.md's transport
// contract is handle-addressed, but WebRTC itself needs its own bootstrap —
// see SPEC_FULL.md §4.7).
package signaling

// MessageType identifies the kind of signaling message exchanged over the
// WebSocket during SDP/ICE negotiation.
type MessageType string

const (
	MsgTypeOffer     MessageType = "offer"
	MsgTypeAnswer    MessageType = "answer"
	MsgTypeCandidate MessageType = "candidate"
)

// Message is the JSON structure exchanged over the WebSocket.
type Message struct {
	Type      MessageType `json:"type"`
	SDP       string      `json:"sdp,omitempty"`
	Candidate string      `json:"candidate,omitempty"` // JSON-encoded webrtc.ICECandidateInit
}
