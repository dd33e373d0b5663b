package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/tapmesh/internal/util"
)

// IterationInterval is the fixed hint this backend returns, per spec.md
// §4.6 ("IterationInterval() returns a fixed hint") — the teacher's
// backpressure cadence is already driven by OnBufferedAmountLow, so the
// value only needs to be small enough to keep the mux's own scheduler
// responsive.
const IterationInterval = 20 * time.Millisecond

// peer is one friend's PeerConnection plus its two DataChannels.
type peer struct {
	pc       *webrtc.PeerConnection
	lossless *webrtc.DataChannel
	lossy    *webrtc.DataChannel

	senderLossless *sender
	senderLossy    *sender

	ready  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// Registry implements transport.Driver by fanning SendLossless/SendLossy
// out across a map[uint32]*peer and funneling every DataChannel's
// OnMessage into one registered callback — the multi-peer generalization of
// the teacher's single-peer internal/transport.Transport.
type Registry struct {
	mu     sync.RWMutex
	peers  map[uint32]*peer
	onRecv func(friend uint32, payload []byte)
}

// NewRegistry creates an empty peer registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[uint32]*peer)}
}

// NewPeer opens a PeerConnection and its two negotiated DataChannels for
// friend, and returns the PeerConnection for the caller (internal/signaling)
// to drive SDP/ICE exchange. The peer is added to the registry's dispatch
// table right away; callers use RemovePeer to drop it if signaling fails.
func (r *Registry) NewPeer(ctx context.Context, friend uint32) (*webrtc.PeerConnection, error) {
	pc, err := newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("transport/webrtc: NewPeerConnection: %w", err)
	}
	lossless, lossy, err := newDataChannels(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("transport/webrtc: newDataChannels: %w", err)
	}

	pCtx, cancel := context.WithCancel(ctx)
	p := &peer{pc: pc, lossless: lossless, lossy: lossy, ready: make(chan struct{}), ctx: pCtx, cancel: cancel}

	var openOnce sync.Once
	onBothOpen := func() {
		// Either channel reaching open is enough to start the sender —
		// both are negotiated at construction, so both sides create them
		// eagerly and they open close together in practice.
		openOnce.Do(func() { close(p.ready) })
	}
	lossless.OnOpen(onBothOpen)
	lossy.OnOpen(onBothOpen)

	p.senderLossless = newSender(pCtx, lossless, p.ready)
	p.senderLossy = newSender(pCtx, lossy, p.ready)

	lossless.OnClose(func() {
		util.LogDebug("[%08x] lossless DataChannel closed", friend)
		cancel()
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("[%08x] PeerConnection state: %s", friend, state.String())
	})

	r.mu.Lock()
	r.peers[friend] = p
	r.mu.Unlock()

	r.wireReceive(friend, p)
	return pc, nil
}

func (r *Registry) wireReceive(friend uint32, p *peer) {
	handler := func(msg webrtc.DataChannelMessage) {
		r.mu.RLock()
		cb := r.onRecv
		r.mu.RUnlock()
		if cb != nil {
			cb(friend, msg.Data)
		}
	}
	p.lossless.OnMessage(handler)
	p.lossy.OnMessage(handler)
}

// Ready returns a channel closed once friend's DataChannels are open, for
// internal/signaling to block on before declaring the exchange complete. A
// nil channel is returned if friend is unknown.
func (r *Registry) Ready(friend uint32) <-chan struct{} {
	p := r.lookup(friend)
	if p == nil {
		return nil
	}
	return p.ready
}

// RemovePeer tears down and forgets friend's PeerConnection.
func (r *Registry) RemovePeer(friend uint32) {
	r.mu.Lock()
	p, ok := r.peers[friend]
	if ok {
		delete(r.peers, friend)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	p.cancel()
	p.pc.Close()
}

// SendLossless implements transport.Driver.
func (r *Registry) SendLossless(friend uint32, payload []byte) bool {
	p := r.lookup(friend)
	if p == nil {
		return false
	}
	return p.senderLossless.enqueue(p.ctx, payload)
}

// SendLossy implements transport.Driver.
func (r *Registry) SendLossy(friend uint32, payload []byte) bool {
	p := r.lookup(friend)
	if p == nil {
		return false
	}
	return p.senderLossy.enqueue(p.ctx, payload)
}

func (r *Registry) lookup(friend uint32) *peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[friend]
}

// OnReceive implements transport.Driver.
func (r *Registry) OnReceive(fn func(friend uint32, payload []byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRecv = fn
}

// IterationInterval implements transport.Driver.
func (r *Registry) IterationInterval() time.Duration {
	return IterationInterval
}
