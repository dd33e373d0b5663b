// Package conn implements the per-peer connection control: the three-phase
// handshake (connect / accept / IP negotiation), data forwarding once
// Connected, and teardown (spec.md §4.2).
package conn

import (
	"fmt"

	"github.com/1ureka/tapmesh/internal/errs"
	"github.com/1ureka/tapmesh/internal/packet"
	"github.com/1ureka/tapmesh/internal/tap"
	"github.com/1ureka/tapmesh/internal/transport"
	"github.com/1ureka/tapmesh/internal/util"
)

// Connection is the per-peer record of spec.md §3. It holds no reference
// back to its owning Multiplexer (DESIGN NOTES §9) — transport and TAP are
// shared collaborators, not a cyclic back-pointer.
type Connection struct {
	Friend uint32

	state              State
	nextFragmentIndex  uint8
	lastProposedSubnet int16
	reasm              *packet.Reassembler

	tr  transport.Driver
	tap tap.Device
	mtu int
}

// NewInitiator creates a Connection in OwnRequestPending and sends the
// initial ConnectionRequest (spec.md §4.2.1 entry action).
func NewInitiator(friend uint32, tr transport.Driver, dev tap.Device, mtu int) *Connection {
	c := &Connection{
		Friend:             friend,
		state:              OwnRequestPending,
		lastProposedSubnet: -1,
		reasm:              packet.NewReassembler(),
		tr:                 tr,
		tap:                dev,
		mtu:                mtu,
	}
	c.sendControl(packet.TagConnectionRequest)
	return c
}

// NewResponder creates a Connection in FriendRequestPending, in reaction to
// an inbound ConnectionRequest. It does not send anything until the user
// calls Accept or Reject.
func NewResponder(friend uint32, tr transport.Driver, dev tap.Device, mtu int) *Connection {
	return &Connection{
		Friend:             friend,
		state:              FriendRequestPending,
		lastProposedSubnet: -1,
		reasm:              packet.NewReassembler(),
		tr:                 tr,
		tap:                dev,
		mtu:                mtu,
	}
}

// State returns the current FSM state.
func (c *Connection) State() State {
	return c.state
}

// ---------------------------------------------------------------------------
// User-driven operations (spec.md §4.4)
// ---------------------------------------------------------------------------

// Accept handles a user accept() call on a FriendRequestPending connection:
// enters ExpectingIP and sends ConnectionAccept, resetting and deleting the
// connection if that send fails — accept is one of spec.md §4.2.1's
// consistency-sensitive steps, so a caller can't be left believing it
// accepted when the peer was never told. State is set before the send (see
// _examples/original_source/src/Connection.cpp's Accept-then-send
// ordering), so a failure's resetAndDelete wins over this call's own state
// update rather than being clobbered by it.
func (c *Connection) Accept() (Action, Event, error) {
	if c.state != FriendRequestPending {
		return ActionNone, EventNone, fmt.Errorf("conn: accept() called in state %s", c.state)
	}
	c.state = ExpectingIP
	if action := c.sendEscalating(packet.FromTag(packet.TagConnectionAccept)); action == ActionDelete {
		return ActionDelete, EventClosed, nil
	}
	return ActionNone, EventNone, nil
}

// Reject deletes the connection, having the destructor emit
// ConnectionReject.
func (c *Connection) Reject() {
	c.destroyWith(packet.TagConnectionReject)
}

// Close deletes the connection, having the destructor emit ConnectionClose.
func (c *Connection) Close() {
	c.destroyWith(packet.TagConnectionClose)
}

// Destroy is the best-effort destructor (spec.md §4.2.3): it emits the
// terminal control packet appropriate to the current state. In Deleting,
// nothing is emitted. Matches
// _examples/original_source/src/Connection.cpp's ~Connection(): a reset for
// OwnRequestPending/ExpectingIP/ExpectingIPConfirm (the peer never reached
// an agreed-upon Connected state, so there is nothing to gracefully close),
// a close only for Connected, and a reject for FriendRequestPending.
func (c *Connection) Destroy() {
	if c.state == Deleting {
		return
	}
	switch c.state {
	case FriendRequestPending:
		c.destroyWith(packet.TagConnectionReject)
	case OwnRequestPending, ExpectingIP, ExpectingIPConfirm:
		c.destroyWith(packet.TagConnectionReset)
	case Connected:
		c.destroyWith(packet.TagConnectionClose)
	default:
		c.state = Deleting
	}
}

func (c *Connection) destroyWith(tag packet.Tag) {
	if c.state == Deleting {
		return
	}
	c.sendControl(tag)
	c.state = Deleting
	if c.tap != nil {
		c.tap.Close()
	}
}

// ---------------------------------------------------------------------------
// Inbound dispatch (spec.md §4.2.1)
// ---------------------------------------------------------------------------

// Handle processes one inbound Packet already routed to this connection and
// returns the compensating action the Multiplexer must take (delete this
// connection from its map, or nothing) plus any event the Multiplexer
// should surface to the user's event handler.
func (c *Connection) Handle(pkt *packet.Packet) (Action, Event, error) {
	tag, err := pkt.Tag()
	if err != nil {
		return c.resetAndDelete(), EventClosed, errs.Wrap(errs.Critical, err)
	}

	switch tag {
	case packet.TagConnectionReset:
		util.LogDebug("[%08x] rx ConnectionReset", c.Friend)
		c.state = Deleting
		return ActionDelete, EventClosed, nil
	case packet.TagFragment:
		return c.handleFragment(pkt)
	}

	switch c.state {
	case OwnRequestPending:
		return c.handleOwnRequestPending(tag)
	case FriendRequestPending:
		return c.handleFriendRequestPending(tag)
	case ExpectingIP:
		return c.handleExpectingIP(tag, pkt)
	case ExpectingIPConfirm:
		return c.handleExpectingIPConfirm(tag)
	case Connected:
		return c.handleConnected(tag, pkt)
	default:
		return ActionNone, EventNone, nil
	}
}

func (c *Connection) handleOwnRequestPending(tag packet.Tag) (Action, Event, error) {
	switch tag {
	case packet.TagConnectionAccept:
		util.LogDebug("[%08x] rx ConnectionAccept", c.Friend)
		subnet, err := c.scanForUnusedSubnet(0)
		if err != nil {
			return c.resetAndDelete(), EventClosed, err
		}
		c.lastProposedSubnet = int16(subnet)
		c.state = ExpectingIPConfirm
		if action := c.sendIPProposal(subnet, 2); action == ActionDelete {
			return ActionDelete, EventClosed, nil
		}
		return ActionNone, EventNone, nil
	case packet.TagConnectionReject:
		util.LogDebug("[%08x] rx ConnectionReject", c.Friend)
		c.state = Deleting
		return ActionDelete, EventRejected, nil
	default:
		return c.resetAndDelete(), EventClosed, errs.New(errs.Critical, "conn: unexpected packet tag 0x%02X in %s", uint8(tag), c.state)
	}
}

func (c *Connection) handleFriendRequestPending(tag packet.Tag) (Action, Event, error) {
	return c.resetAndDelete(), EventClosed, errs.New(errs.Critical, "conn: unexpected packet tag 0x%02X in %s", uint8(tag), c.state)
}

func (c *Connection) handleExpectingIP(tag packet.Tag, pkt *packet.Packet) (Action, Event, error) {
	if tag != packet.TagIPProposal {
		return c.resetAndDelete(), EventClosed, errs.New(errs.Critical, "conn: unexpected packet tag 0x%02X in %s", uint8(tag), c.state)
	}
	subnet, postfix, err := pkt.IPProposal()
	if err != nil {
		return c.resetAndDelete(), EventClosed, errs.Wrap(errs.Critical, err)
	}

	unused, err := c.tap.IsSubnetUnused(subnet)
	if err != nil {
		return c.resetAndDelete(), EventClosed, errs.Wrap(errs.Transient, err)
	}
	if !unused {
		c.sendControl(packet.TagIPReject)
		return ActionNone, EventNone, nil
	}

	if action := c.sendEscalating(packet.FromTag(packet.TagIPAccept)); action == ActionDelete {
		return ActionDelete, EventClosed, nil
	}
	if err := c.tap.SetIP(subnet, postfix); err != nil {
		return c.resetAndDelete(), EventClosed, errs.Wrap(errs.Transient, err)
	}
	c.state = Connected
	util.LogDebug("[%08x] Connected, local IP 192.168.%d.%d", c.Friend, subnet, postfix)
	return ActionNone, EventAccepted, nil
}

func (c *Connection) handleExpectingIPConfirm(tag packet.Tag) (Action, Event, error) {
	switch tag {
	case packet.TagIPAccept:
		if c.lastProposedSubnet < 0 {
			return c.resetAndDelete(), EventClosed, errs.New(errs.Critical, "conn: IpAccept with no outstanding proposal")
		}
		if err := c.tap.SetIP(uint8(c.lastProposedSubnet), 1); err != nil {
			return c.resetAndDelete(), EventClosed, errs.Wrap(errs.Transient, err)
		}
		c.state = Connected
		util.LogDebug("[%08x] Connected, local IP 192.168.%d.1", c.Friend, c.lastProposedSubnet)
		return ActionNone, EventAccepted, nil
	case packet.TagIPReject:
		if c.lastProposedSubnet >= 255 {
			return c.resetAndDelete(), EventClosed, errs.New(errs.Critical, "conn: peer rejected subnet 255, no subnet left to propose")
		}
		subnet, err := c.scanForUnusedSubnet(uint8(c.lastProposedSubnet + 1))
		if err != nil {
			return c.resetAndDelete(), EventClosed, err
		}
		c.lastProposedSubnet = int16(subnet)
		if action := c.sendIPProposal(subnet, 2); action == ActionDelete {
			return ActionDelete, EventClosed, nil
		}
		return ActionNone, EventNone, nil
	default:
		return c.resetAndDelete(), EventClosed, errs.New(errs.Critical, "conn: unexpected packet tag 0x%02X in %s", uint8(tag), c.state)
	}
}

func (c *Connection) handleConnected(tag packet.Tag, pkt *packet.Packet) (Action, Event, error) {
	switch tag {
	case packet.TagData:
		frame, err := pkt.Frame()
		if err != nil {
			return ActionNone, EventNone, errs.Wrap(errs.Critical, err)
		}
		if err := c.tap.WriteFrame(frame); err != nil {
			// Transient: failure during forwarding logs and yields, the
			// connection stays Connected (spec.md §4.2.1).
			util.LogWarning("[%08x] TAP write failed: %v", c.Friend, err)
			return ActionNone, EventNone, errs.Wrap(errs.Transient, err)
		}
		util.Stats.AddRecv(len(frame))
		return ActionNone, EventNone, nil
	case packet.TagConnectionClose:
		util.LogDebug("[%08x] rx ConnectionClose", c.Friend)
		c.state = Deleting
		return ActionDelete, EventClosed, nil
	default:
		return c.resetAndDelete(), EventClosed, errs.New(errs.Critical, "conn: unexpected packet tag 0x%02X in %s", uint8(tag), c.state)
	}
}

// handleFragment buffers a Fragment packet and, once reassembly completes,
// re-enters dispatch with the reassembled packet synchronously (spec.md
// §4.1.3 step 5, §5 "reassembled packets dispatched synchronously").
func (c *Connection) handleFragment(pkt *packet.Packet) (Action, Event, error) {
	reassembled, err := c.reasm.Feed(pkt)
	if err != nil {
		// Recoverable fragment-corruption error: the bucket is abandoned,
		// the connection is not reset.
		util.LogWarning("[%08x] fragment reassembly failed: %v", c.Friend, err)
		return ActionNone, EventNone, nil
	}
	if reassembled == nil {
		return ActionNone, EventNone, nil
	}
	return c.Handle(reassembled)
}

// resetAndDelete sends ConnectionReset best-effort and marks the connection
// for deletion — the reaction to any unexpected packet in a non-Connected
// state, or to a protocol invariant violation (spec.md §4.2.1, §7).
func (c *Connection) resetAndDelete() Action {
	if c.state != Deleting {
		c.sendControl(packet.TagConnectionReset)
		c.state = Deleting
		if c.tap != nil {
			c.tap.Close()
		}
	}
	return ActionDelete
}

// ---------------------------------------------------------------------------
// Subnet selection (spec.md §4.2.2)
// ---------------------------------------------------------------------------

// scanForUnusedSubnet scans [from,255] for a subnet IsSubnetUnused reports
// free. Returns a Critical error if the scan exhausts the space.
func (c *Connection) scanForUnusedSubnet(from uint8) (uint8, error) {
	for s := int(from); s <= 255; s++ {
		unused, err := c.tap.IsSubnetUnused(uint8(s))
		if err != nil {
			return 0, errs.Wrap(errs.Transient, err)
		}
		if unused {
			return uint8(s), nil
		}
	}
	return 0, errs.New(errs.Critical, "conn: no unused subnet in [%d,255]", from)
}

// ---------------------------------------------------------------------------
// Outbound data forwarding (driven by the Multiplexer's cooperative
// scheduler, spec.md §4.3.2)
// ---------------------------------------------------------------------------

// SendFrame wraps an Ethernet frame read from the TAP as a Data packet,
// fragmenting it if the wire form exceeds MTU_T, and hands it to the
// transport. Only valid while Connected.
func (c *Connection) SendFrame(frame []byte) error {
	p := packet.FromFrame(frame)
	return c.send(p)
}

// send dispatches p through the transport, fragmenting first if needed
// (spec.md invariant 5: no packet larger than MTU_T is ever handed to the
// transport).
func (c *Connection) send(p *packet.Packet) error {
	if p.Len() <= c.mtu {
		return c.deliver(p)
	}
	frags, err := packet.Split(p, c.mtu)
	if err != nil {
		return errs.Wrap(errs.Critical, err)
	}
	for _, f := range frags {
		if err := c.deliver(f); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) deliver(p *packet.Packet) error {
	tag, err := p.Tag()
	if err != nil {
		return errs.Wrap(errs.Critical, err)
	}
	class, err := packet.ClassOf(tag)
	if err != nil {
		return errs.Wrap(errs.Critical, err)
	}

	var ok bool
	switch class {
	case packet.Reliable:
		ok = c.tr.SendLossless(c.Friend, p.Buf())
	case packet.BestEffort:
		ok = c.tr.SendLossy(c.Friend, p.Buf())
	}
	if !ok {
		return errs.New(errs.Transient, "conn: transport rejected send of tag 0x%02X to friend %08x", uint8(tag), c.Friend)
	}
	return nil
}

// sendControl sends a bare control packet best-effort, swallowing the
// error: destructors and resets must not fail loudly (spec.md §4.2.3).
func (c *Connection) sendControl(tag packet.Tag) {
	if err := c.send(packet.FromTag(tag)); err != nil {
		util.LogDebug("[%08x] best-effort send of tag 0x%02X failed: %v", c.Friend, uint8(tag), err)
	}
}

// sendIPProposal sends an IpProposal, escalating a transport failure to a
// reset (spec.md §4.2.1: "any transport send failure during an operation
// that is security-sensitive to consistency ... self-destroys with a
// reset"). The caller must propagate a returned ActionDelete so the
// Multiplexer removes this connection from its map (see sendEscalating).
func (c *Connection) sendIPProposal(subnet, postfix uint8) Action {
	return c.sendEscalating(packet.FromIPProposal(subnet, postfix))
}

// sendEscalating sends p and, on transport failure, resets and deletes the
// connection instead of letting the caller believe the send succeeded.
// Used for the consistency-sensitive sends of spec.md §4.2.1 (IP
// negotiation, accept) — unlike sendControl, whose callers are themselves
// already tearing the connection down and must not fail loudly. The
// returned Action must be checked by the caller and propagated as
// ActionDelete; failing to do so leaves a Deleting-state connection stuck
// in the Multiplexer's map forever.
func (c *Connection) sendEscalating(p *packet.Packet) Action {
	if err := c.send(p); err != nil {
		tag, _ := p.Tag()
		util.LogWarning("[%08x] send of tag 0x%02X failed, resetting: %v", c.Friend, uint8(tag), err)
		return c.resetAndDelete()
	}
	return ActionNone
}

// Tap returns the connection's TAP device, for the scheduler's outbound
// pump (spec.md §4.3.2).
func (c *Connection) Tap() tap.Device {
	return c.tap
}
