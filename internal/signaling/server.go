package signaling

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/1ureka/tapmesh/internal/transport/webrtc"
	"github.com/1ureka/tapmesh/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server accepts inbound WebSocket signaling sessions, one per friend,
// validating a per-friend PIN before negotiating a WebRTC peer and handing
// it to registry under a freshly allocated friend handle — the multi-peer
// generalization of the teacher's internal/signaling.server, which only
// ever accepted one client for its whole lifetime.
type Server struct {
	registry *webrtc.Registry
	onPeer   func(friend uint32)

	mu    sync.Mutex
	pins  map[string]bool
	nextFriend atomic.Uint32

	listener net.Listener
}

// NewServer creates a signaling server that hands every negotiated peer to
// registry.
func NewServer(registry *webrtc.Registry) *Server {
	return &Server{
		registry: registry,
		pins:     make(map[string]bool),
	}
}

// OnNewPeer registers the callback fired once a rendezvous completes and
// the friend's DataChannels are open; the caller typically reacts by
// calling mux.Connect(friend) or simply waiting for the friend's own
// ConnectionRequest to arrive over the transport.
func (s *Server) OnNewPeer(fn func(friend uint32)) {
	s.onPeer = fn
}

// IssuePIN generates and registers a fresh one-time numeric PIN for the
// caller to share with the peer out of band (spec.md §4.9 supplements the
// dropped Tox-friend bootstrap with this PIN exchange).
func (s *Server) IssuePIN() string {
	pin := generatePIN(6)
	s.mu.Lock()
	s.pins[pin] = true
	s.mu.Unlock()
	return pin
}

// Start begins listening on a random TCP port and returns it.
func (s *Server) Start() (int, error) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("signaling: listen: %w", err)
	}
	s.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	go func() { _ = http.Serve(listener, mux) }()

	return port, nil
}

// Close stops accepting new connections.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	pin := r.URL.Query().Get("pin")
	s.mu.Lock()
	ok := s.pins[pin]
	if ok {
		delete(s.pins, pin) // one-time use
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	go s.negotiate(conn)
}

func (s *Server) negotiate(wsConn *websocket.Conn) {
	defer wsConn.Close()

	friend := s.nextFriend.Add(1)
	pc, err := s.registry.NewPeer(context.Background(), friend)
	if err != nil {
		util.LogError("signaling: NewPeer for %08x: %v", friend, err)
		s.registry.RemovePeer(friend)
		return
	}

	if err := hostExchange(wsConn, pc, s.registry.Ready(friend)); err != nil {
		util.LogWarning("signaling: host exchange with %08x failed: %v", friend, err)
		s.registry.RemovePeer(friend)
		return
	}

	util.LogInfo("signaling: friend %08x connected", friend)
	if s.onPeer != nil {
		s.onPeer(friend)
	}
}

// generatePIN returns a random numeric PIN of the given length.
func generatePIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}
