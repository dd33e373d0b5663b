package signaling

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/tapmesh/internal/util"
)

// hostExchange drives the offering side of SDP/ICE negotiation: create and
// send an Offer, then read Answer/candidate messages until pc's
// DataChannels open or wsConn errors out. Adapted from the teacher's
// internal/signaling/exchange.go hostExchange, generalized to take a bare
// *webrtc.PeerConnection and an explicit ready channel instead of its
// transport.Transport wrapper.
func hostExchange(wsConn *websocket.Conn, pc *webrtc.PeerConnection, ready <-chan struct{}) error {
	var wsMu sync.Mutex
	wsSend := func(msg Message) {
		wsMu.Lock()
		defer wsMu.Unlock()
		if err := wsConn.WriteJSON(msg); err != nil {
			select {
			case <-ready:
			default:
				util.LogWarning("signaling: write failed: %v", err)
			}
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		wsSend(Message{Type: MsgTypeCandidate, Candidate: string(data)})
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("signaling: CreateOffer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("signaling: SetLocalDescription: %w", err)
	}
	wsSend(Message{Type: MsgTypeOffer, SDP: offer.SDP})

	errCh := make(chan error, 1)
	go func() { errCh <- readLoop(wsConn, pc, MsgTypeAnswer, webrtc.SDPTypeAnswer) }()

	select {
	case <-ready:
		return nil
	case err := <-errCh:
		select {
		case <-ready:
			return nil
		default:
			return fmt.Errorf("signaling: read loop: %w", err)
		}
	}
}

// clientExchange drives the answering side: wait for the Offer, reply with
// an Answer, then exchange candidates until pc's DataChannels open.
func clientExchange(wsConn *websocket.Conn, pc *webrtc.PeerConnection, ready <-chan struct{}) error {
	var wsMu sync.Mutex
	wsSend := func(msg Message) {
		wsMu.Lock()
		defer wsMu.Unlock()
		if err := wsConn.WriteJSON(msg); err != nil {
			select {
			case <-ready:
			default:
				util.LogWarning("signaling: write failed: %v", err)
			}
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		wsSend(Message{Type: MsgTypeCandidate, Candidate: string(data)})
	})

	errCh := make(chan error, 1)
	go func() {
		for {
			var msg Message
			if err := wsConn.ReadJSON(&msg); err != nil {
				errCh <- err
				return
			}
			switch msg.Type {
			case MsgTypeOffer:
				if err := pc.SetRemoteDescription(webrtc.SessionDescription{
					Type: webrtc.SDPTypeOffer, SDP: msg.SDP,
				}); err != nil {
					util.LogWarning("signaling: SetRemoteDescription failed: %v", err)
					continue
				}
				answer, err := pc.CreateAnswer(nil)
				if err != nil {
					util.LogWarning("signaling: CreateAnswer failed: %v", err)
					continue
				}
				if err := pc.SetLocalDescription(answer); err != nil {
					util.LogWarning("signaling: SetLocalDescription failed: %v", err)
					continue
				}
				wsSend(Message{Type: MsgTypeAnswer, SDP: answer.SDP})
			case MsgTypeCandidate:
				var init webrtc.ICECandidateInit
				if err := json.Unmarshal([]byte(msg.Candidate), &init); err == nil {
					if err := pc.AddICECandidate(init); err != nil {
						util.LogWarning("signaling: AddICECandidate failed: %v", err)
					}
				}
			}
		}
	}()

	select {
	case <-ready:
		return nil
	case err := <-errCh:
		select {
		case <-ready:
			return nil
		default:
			return fmt.Errorf("signaling: read loop: %w", err)
		}
	}
}

// readLoop is hostExchange's half of the message loop: it only expects an
// Answer (plus trickling candidates), unlike clientExchange's Offer-driven
// loop.
func readLoop(wsConn *websocket.Conn, pc *webrtc.PeerConnection, answerType MessageType, sdpType webrtc.SDPType) error {
	for {
		var msg Message
		if err := wsConn.ReadJSON(&msg); err != nil {
			return err
		}
		switch msg.Type {
		case answerType:
			if err := pc.SetRemoteDescription(webrtc.SessionDescription{
				Type: sdpType, SDP: msg.SDP,
			}); err != nil {
				util.LogWarning("signaling: SetRemoteDescription failed: %v", err)
			}
		case MsgTypeCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err == nil {
				if err := pc.AddICECandidate(init); err != nil {
					util.LogWarning("signaling: AddICECandidate failed: %v", err)
				}
			}
		}
	}
}
