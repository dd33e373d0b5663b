// Package mux implements the multiplexer of spec.md §4.3: it owns the set
// of connections keyed by friend handle, dispatches inbound packets to the
// right one, and drives the cooperative outbound scheduler.
package mux

import (
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/tapmesh/internal/conn"
	"github.com/1ureka/tapmesh/internal/errs"
	"github.com/1ureka/tapmesh/internal/packet"
	"github.com/1ureka/tapmesh/internal/tap"
	"github.com/1ureka/tapmesh/internal/transport"
	"github.com/1ureka/tapmesh/internal/util"
)

// Mux is the multiplexer handle returned by New. Its mutex guards both the
// route table and every Connection's FSM state: the cooperative
// single-threaded model of spec.md §5 is preserved logically, but the
// concrete transport and TAP backends run their own goroutines, so all
// entry points into this package serialize on mu — generalized from the
// teacher's single `adapter.mu sync.Mutex` guarding one route map (see
// SPEC_FULL.md §5 and DESIGN.md Open Question decision 4).
type Mux struct {
	mu sync.Mutex

	tr         transport.Driver
	tapFactory tap.Factory
	mtu        int

	conns   map[uint32]*conn.Connection
	handler func(Event)

	lastErr    error
	isSelfLoop func(frame []byte) bool

	lastIterateDuration time.Duration
}

// New creates a multiplexer bound to tr, registering the receive callback
// that drives dispatch (spec.md §4.3.1, "create" of §4.4). tapFactory opens
// one fresh tap.Device per connection (DESIGN NOTES §9: disjoint subnets
// make this safe); mtu is MTU_T.
func New(tr transport.Driver, tapFactory tap.Factory, mtu int) *Mux {
	m := &Mux{
		tr:         tr,
		tapFactory: tapFactory,
		mtu:        mtu,
		conns:      make(map[uint32]*conn.Connection),
	}
	tr.OnReceive(m.dispatch)
	return m
}

// SetEventHandler registers fn to receive every Requested/Accepted/
// Rejected/Closed event. Only the most recent registration is kept.
func (m *Mux) SetEventHandler(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = fn
}

// SetSelfLoopFilter installs the predicate consulted before a frame read
// from a connection's TAP is forwarded (spec.md §4.3.3); see
// internal/selfloop for the concrete gopacket-backed implementation. A nil
// filter (the default) forwards every frame unconditionally.
func (m *Mux) SetSelfLoopFilter(fn func(frame []byte) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isSelfLoop = fn
}

// LastError returns the most recently recorded internal error, mirroring
// ToxTunC's thread-local last-error string (spec.md §7, §4.9).
func (m *Mux) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Mux) setLastError(err error) {
	if err != nil {
		m.lastErr = err
	}
}

// Connect creates an OwnRequestPending connection to friend and sends
// ConnectionRequest. It fails if a connection to friend already exists.
func (m *Mux) Connect(friend uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conns[friend]; exists {
		return fmt.Errorf("mux: connection to friend %08x already exists", friend)
	}
	dev, err := m.tapFactory()
	if err != nil {
		m.setLastError(err)
		return errs.Wrap(errs.Permanent, err)
	}
	m.conns[friend] = conn.NewInitiator(friend, m.tr, dev, m.mtu)
	util.Stats.AddConn()
	return nil
}

// Accept accepts a pending inbound request from friend. If the resulting
// ConnectionAccept send fails, the connection resets and is removed from
// the route table just as it would be from a failed inbound Handle.
func (m *Mux) Accept(friend uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[friend]
	if !ok {
		return fmt.Errorf("mux: no connection to friend %08x", friend)
	}
	action, ev, err := c.Accept()
	if kind, fire := fromConnEvent(ev); fire {
		m.emit(kind, friend)
	}
	if action == conn.ActionDelete {
		delete(m.conns, friend)
		util.Stats.RemoveConn()
	}
	return err
}

// Reject deletes the connection to friend, which sends ConnectionReject
// from the destructor if applicable.
func (m *Mux) Reject(friend uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(friend, func(c *conn.Connection) { c.Reject() })
}

// Close deletes the connection to friend, which sends ConnectionClose from
// the destructor if applicable.
func (m *Mux) Close(friend uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(friend, func(c *conn.Connection) { c.Close() })
}

func (m *Mux) deleteLocked(friend uint32, destroy func(*conn.Connection)) {
	c, ok := m.conns[friend]
	if !ok {
		return
	}
	destroy(c)
	delete(m.conns, friend)
	util.Stats.RemoveConn()
}

// State reports the public connection state for friend, and whether a
// connection to friend exists at all.
func (m *Mux) State(friend uint32) (PublicState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[friend]
	if !ok {
		return Disconnected, false
	}
	return publicStateOf(c.State()), true
}

// Shutdown destroys every connection best-effort (spec.md §5, "a destructor
// on the multiplexer propagates close to every connection best-effort").
func (m *Mux) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for friend, c := range m.conns {
		c.Destroy()
		delete(m.conns, friend)
		util.Stats.RemoveConn()
	}
}

// ---------------------------------------------------------------------------
// Dispatch (spec.md §4.3.1)
// ---------------------------------------------------------------------------

// dispatch is the transport's receive callback: (friend, raw bytes).
func (m *Mux) dispatch(friend uint32, raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pkt := packet.FromTransport(raw)

	if c, ok := m.conns[friend]; ok {
		action, ev, err := c.Handle(pkt)
		if err != nil {
			m.setLastError(err)
			util.LogWarning("[%08x] handle error: %v", friend, err)
		}
		if kind, fire := fromConnEvent(ev); fire {
			m.emit(kind, friend)
		}
		if action == conn.ActionDelete {
			delete(m.conns, friend)
			util.Stats.RemoveConn()
		}
		return
	}

	tag, err := pkt.Tag()
	if err != nil {
		m.setLastError(err)
		return
	}

	switch tag {
	case packet.TagConnectionRequest:
		dev, err := m.tapFactory()
		if err != nil {
			m.setLastError(err)
			util.LogError("[%08x] failed to open tap for inbound request: %v", friend, err)
			return
		}
		m.conns[friend] = conn.NewResponder(friend, m.tr, dev, m.mtu)
		util.Stats.AddConn()
		m.emit(Requested, friend)
	case packet.TagConnectionReset:
		// Reset for an unknown friend: drop silently (spec.md §4.3.1).
	default:
		m.tr.SendLossless(friend, packet.FromTag(packet.TagConnectionReset).Buf())
	}
}

func (m *Mux) emit(kind EventKind, friend uint32) {
	if m.handler == nil {
		return
	}
	m.handler(Event{Kind: kind, Friend: friend})
}
