package mux

import (
	"time"

	"github.com/1ureka/tapmesh/internal/conn"
	"github.com/1ureka/tapmesh/internal/util"
)

// iterateTarget is the 5ms design constant of spec.md §4.3.2.
const iterateTarget = 5 * time.Millisecond

// minPerConnSlice is the floor spec.md §4.3.2 places on the per-connection
// time budget.
const minPerConnSlice = 1 * time.Millisecond

// Iterate runs one pass of the cooperative outbound scheduler: for every
// Connected connection, pumps pending TAP frames through the transport
// within a time-sliced budget. It never changes a connection's FSM state;
// that happens in Connect/Accept/Reject/Close/Shutdown and in dispatch.
func (m *Mux) Iterate() {
	start := time.Now()
	defer func() { m.lastIterateDuration = time.Since(start) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.conns) == 0 {
		return
	}

	perConn := m.tr.IterationInterval() / time.Duration(len(m.conns))
	if perConn < minPerConnSlice {
		perConn = minPerConnSlice
	}

	for friend, c := range m.conns {
		if c.State() != conn.Connected {
			continue
		}
		m.pumpConnection(friend, c, perConn)
	}
}

// pumpConnection drains frame reads from c's TAP device for up to budget,
// forwarding each through the transport. It stops this connection's slice
// early on any TAP or transport error, without tearing the connection down
// (spec.md §4.2.1: forwarding failures are logged and retried next tick).
func (m *Mux) pumpConnection(friend uint32, c *conn.Connection, budget time.Duration) {
	dev := c.Tap()
	deadline := time.Now().Add(budget)

	for dev.DataPending() {
		if time.Now().After(deadline) {
			return
		}

		frame, err := dev.ReadFrame()
		if err != nil {
			util.LogWarning("[%08x] tap read failed: %v", friend, err)
			return
		}

		if m.isSelfLoop != nil && m.isSelfLoop(frame) {
			util.LogDebug("[%08x] dropped self-loop frame", friend)
			continue
		}

		if err := c.SendFrame(frame); err != nil {
			util.LogWarning("[%08x] forwarding frame failed: %v", friend, err)
			return
		}
		util.Stats.AddSent(len(frame))
	}
}

// IterationInterval hints how often the caller's main loop should call
// Iterate again: spec.md §4.3.2's "max(0, 5ms - last_iterate_duration) when
// any connection exists, and the transport's interval otherwise."
func (m *Mux) IterationInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.conns) == 0 {
		return m.tr.IterationInterval()
	}
	remaining := iterateTarget - m.lastIterateDuration
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}
