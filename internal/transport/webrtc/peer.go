// Package webrtc is the one concrete transport.Driver backend this module
// ships: a friend-handle-addressed registry of pion/webrtc PeerConnections,
// each carrying two pre-negotiated DataChannels — one for
// transport.Driver.SendLossless, one for SendLossy — generalized from the
// teacher's single-peer, single-channel internal/webrtc and
// internal/transport packages.
package webrtc

import (
	"github.com/pion/webrtc/v4"
)

// STUN servers for ICE candidate gathering. No TURN — direct P2P
// connectivity is assumed, carried verbatim from the teacher's
// internal/transport/peer.go.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// dataChannelIDs are the pre-agreed negotiated IDs: the two sides of a
// friend connection create their DataChannels independently, so both must
// agree on IDs up front rather than relying on OnDataChannel (same pattern
// as the teacher's single negotiated channel at ID 0).
const (
	losslessChannelID = uint16(0)
	lossyChannelID    = uint16(1)
)

func newPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	}
	return webrtc.NewPeerConnection(config)
}

// newDataChannels creates the ordered+reliable and unordered+best-effort
// DataChannel pair for one friend, matching the two delivery classes of
// spec.md §4.1.4.
func newDataChannels(pc *webrtc.PeerConnection) (lossless, lossy *webrtc.DataChannel, err error) {
	negotiated := true

	reliableOrdered := true
	losslessID := losslessChannelID
	lossless, err = pc.CreateDataChannel("tapmesh-lossless", &webrtc.DataChannelInit{
		Ordered:    &reliableOrdered,
		Negotiated: &negotiated,
		ID:         &losslessID,
	})
	if err != nil {
		return nil, nil, err
	}

	bestEffortUnordered := false
	maxRetransmits := uint16(0)
	lossyID := lossyChannelID
	lossy, err = pc.CreateDataChannel("tapmesh-lossy", &webrtc.DataChannelInit{
		Ordered:        &bestEffortUnordered,
		MaxRetransmits: &maxRetransmits,
		Negotiated:     &negotiated,
		ID:             &lossyID,
	})
	if err != nil {
		return nil, nil, err
	}

	return lossless, lossy, nil
}
