package conn

import (
	"sync"
	"testing"
	"time"

	"github.com/1ureka/tapmesh/internal/packet"
)

// fakeTransport is an in-memory transport.Driver that records sends and lets
// a test inject inbound packets.
type fakeTransport struct {
	mu        sync.Mutex
	lossless  [][]byte
	lossy     [][]byte
	rejectAll bool
	onReceive func(friend uint32, payload []byte)

	// attemptedLossless records every payload passed to SendLossless
	// regardless of rejectAll, so a test can see what a connection tried
	// to send even while the transport is failing every call.
	attemptedLossless [][]byte
}

func (f *fakeTransport) SendLossless(friend uint32, payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attemptedLossless = append(f.attemptedLossless, append([]byte(nil), payload...))
	if f.rejectAll {
		return false
	}
	f.lossless = append(f.lossless, append([]byte(nil), payload...))
	return true
}

func (f *fakeTransport) SendLossy(friend uint32, payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectAll {
		return false
	}
	f.lossy = append(f.lossy, append([]byte(nil), payload...))
	return true
}

func (f *fakeTransport) OnReceive(cb func(friend uint32, payload []byte)) {
	f.onReceive = cb
}

func (f *fakeTransport) IterationInterval() time.Duration {
	return 10 * time.Millisecond
}

func (f *fakeTransport) lastLossless() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.lossless) == 0 {
		return nil
	}
	return f.lossless[len(f.lossless)-1]
}

func (f *fakeTransport) lastAttemptedLossless() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.attemptedLossless) == 0 {
		return nil
	}
	return f.attemptedLossless[len(f.attemptedLossless)-1]
}

// fakeTap is an in-memory tap.Device. usedSubnets models which subnets are
// already occupied on the "host", so scanForUnusedSubnet has something to
// scan over.
type fakeTap struct {
	mu          sync.Mutex
	used        map[uint8]bool
	assigned    bool
	subnet      uint8
	postfix     uint8
	writeErr    error
	writtenFrms [][]byte
	closed      bool
}

func newFakeTap(used ...uint8) *fakeTap {
	t := &fakeTap{used: map[uint8]bool{}}
	for _, s := range used {
		t.used[s] = true
	}
	return t
}

func (t *fakeTap) SetIP(subnet, postfix uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.assigned = true
	t.subnet, t.postfix = subnet, postfix
	return nil
}

func (t *fakeTap) IsSubnetUnused(subnet uint8) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.used[subnet], nil
}

func (t *fakeTap) DataPending() bool { return false }

func (t *fakeTap) ReadFrame() ([]byte, error) { return nil, nil }

func (t *fakeTap) WriteFrame(frame []byte) error {
	if t.writeErr != nil {
		return t.writeErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writtenFrms = append(t.writtenFrms, frame)
	return nil
}

func (t *fakeTap) Close() error {
	t.closed = true
	return nil
}

const testMTU = 1024

// TestInitiatorHandshakeHappyPath is scenario S1: initiator sends
// ConnectionRequest, receives ConnectionAccept, proposes an IP, receives
// IpAccept, and lands in Connected.
func TestInitiatorHandshakeHappyPath(t *testing.T) {
	tr := &fakeTransport{}
	dev := newFakeTap()
	c := NewInitiator(0xAABBCCDD, tr, dev, testMTU)

	if got := c.State(); got != OwnRequestPending {
		t.Fatalf("state after construction: got %s, want OwnRequestPending", got)
	}
	if len(tr.lossless) != 1 {
		t.Fatalf("expected ConnectionRequest to have been sent, got %d lossless sends", len(tr.lossless))
	}

	action, _, err := c.Handle(packet.FromTag(packet.TagConnectionAccept))
	if err != nil {
		t.Fatalf("Handle(ConnectionAccept): %v", err)
	}
	if action != ActionNone {
		t.Fatalf("unexpected action %v", action)
	}
	if got := c.State(); got != ExpectingIPConfirm {
		t.Fatalf("state: got %s, want ExpectingIPConfirm", got)
	}

	proposal := tr.lastLossless()
	p := packet.FromTransport(proposal)
	subnet, _, err := p.IPProposal()
	if err != nil {
		t.Fatalf("IPProposal: %v", err)
	}
	if subnet != 0 {
		t.Fatalf("first proposed subnet: got %d, want 0 (lowest free)", subnet)
	}

	action, _, err = c.Handle(packet.FromTag(packet.TagIPAccept))
	if err != nil {
		t.Fatalf("Handle(IpAccept): %v", err)
	}
	if action != ActionNone {
		t.Fatalf("unexpected action %v", action)
	}
	if got := c.State(); got != Connected {
		t.Fatalf("state: got %s, want Connected", got)
	}
	if !dev.assigned || dev.subnet != 0 {
		t.Fatalf("tap not assigned the proposed subnet: %+v", dev)
	}
}

// TestResponderAcceptFlow is scenario S2: a FriendRequestPending connection
// accepted by the user enters ExpectingIP, receives an IpProposal for a free
// subnet, accepts it, and lands in Connected.
func TestResponderAcceptFlow(t *testing.T) {
	tr := &fakeTransport{}
	dev := newFakeTap(5) // subnet 5 is occupied locally
	c := NewResponder(0x11223344, tr, dev, testMTU)

	if _, _, err := c.Accept(); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if got := c.State(); got != ExpectingIP {
		t.Fatalf("state: got %s, want ExpectingIP", got)
	}

	action, _, err := c.Handle(packet.FromIPProposal(5, 2))
	if err != nil {
		t.Fatalf("Handle(IpProposal for used subnet): %v", err)
	}
	if action != ActionNone {
		t.Fatalf("unexpected action %v", action)
	}
	if got := c.State(); got != ExpectingIP {
		t.Fatalf("state should remain ExpectingIP after rejecting a used subnet, got %s", got)
	}

	action, _, err = c.Handle(packet.FromIPProposal(6, 2))
	if err != nil {
		t.Fatalf("Handle(IpProposal for free subnet): %v", err)
	}
	if action != ActionNone {
		t.Fatalf("unexpected action %v", action)
	}
	if got := c.State(); got != Connected {
		t.Fatalf("state: got %s, want Connected", got)
	}
	if !dev.assigned || dev.subnet != 6 || dev.postfix != 2 {
		t.Fatalf("tap not assigned proposed IP: %+v", dev)
	}
}

// TestSubnetScanSkipsUsedSubnets is property 6: the initiator's scan never
// proposes an occupied subnet and always terminates.
func TestSubnetScanSkipsUsedSubnets(t *testing.T) {
	tr := &fakeTransport{}
	dev := newFakeTap(0, 1, 2)
	c := NewInitiator(1, tr, dev, testMTU)

	if _, _, err := c.Handle(packet.FromTag(packet.TagConnectionAccept)); err != nil {
		t.Fatalf("Handle(ConnectionAccept): %v", err)
	}

	p := packet.FromTransport(tr.lastLossless())
	subnet, _, err := p.IPProposal()
	if err != nil {
		t.Fatalf("IPProposal: %v", err)
	}
	if subnet != 3 {
		t.Fatalf("scan proposed subnet %d, want 3 (first free above occupied 0,1,2)", subnet)
	}
}

// TestIPRejectAdvancesScan: when the peer rejects a proposed subnet, the
// initiator resumes scanning strictly above the rejected value.
func TestIPRejectAdvancesScan(t *testing.T) {
	tr := &fakeTransport{}
	dev := newFakeTap()
	c := NewInitiator(1, tr, dev, testMTU)

	if _, _, err := c.Handle(packet.FromTag(packet.TagConnectionAccept)); err != nil {
		t.Fatalf("Handle(ConnectionAccept): %v", err)
	}
	first := tr.lastLossless()
	fp := packet.FromTransport(first)
	firstSubnet, _, _ := fp.IPProposal()

	if _, _, err := c.Handle(packet.FromTag(packet.TagIPReject)); err != nil {
		t.Fatalf("Handle(IpReject): %v", err)
	}
	second := tr.lastLossless()
	sp := packet.FromTransport(second)
	secondSubnet, _, _ := sp.IPProposal()

	if secondSubnet <= firstSubnet {
		t.Fatalf("second proposal %d did not advance past rejected %d", secondSubnet, firstSubnet)
	}
	if got := c.State(); got != ExpectingIPConfirm {
		t.Fatalf("state: got %s, want ExpectingIPConfirm", got)
	}
}

// TestUnexpectedPacketResetsAndDeletes is scenario S4 / property: any
// protocol violation yields a ConnectionReset send and ActionDelete.
func TestUnexpectedPacketResetsAndDeletes(t *testing.T) {
	tr := &fakeTransport{}
	dev := newFakeTap()
	c := NewInitiator(1, tr, dev, testMTU)

	action, _, err := c.Handle(packet.FromTag(packet.TagData))
	if err == nil {
		t.Fatal("expected an error for an out-of-state Data packet")
	}
	if action != ActionDelete {
		t.Fatalf("action: got %v, want ActionDelete", action)
	}
	if got := c.State(); got != Deleting {
		t.Fatalf("state: got %s, want Deleting", got)
	}

	last := tr.lastLossless()
	tag, _ := packet.FromTransport(last).Tag()
	if tag != packet.TagConnectionReset {
		t.Fatalf("expected a ConnectionReset to have been sent, got tag 0x%02X", uint8(tag))
	}
	if !dev.closed {
		t.Fatal("tap should have been closed on reset")
	}
}

// TestConnectionResetDeletesWithoutReply verifies that receiving
// ConnectionReset itself never triggers a further send (avoids reset loops).
func TestConnectionResetDeletesWithoutReply(t *testing.T) {
	tr := &fakeTransport{}
	dev := newFakeTap()
	c := NewInitiator(1, tr, dev, testMTU)
	tr.lossless = nil // discard the initial ConnectionRequest

	action, _, err := c.Handle(packet.FromTag(packet.TagConnectionReset))
	if err != nil {
		t.Fatalf("Handle(ConnectionReset): %v", err)
	}
	if action != ActionDelete {
		t.Fatalf("action: got %v, want ActionDelete", action)
	}
	if len(tr.lossless) != 0 {
		t.Fatalf("receiving ConnectionReset must not trigger a reply, got %d sends", len(tr.lossless))
	}
}

// TestDataForwardingOnceConnected is scenario S5: once Connected, inbound
// Data packets are written to the TAP device, and outbound frames read from
// the TAP are sent as Data packets.
func TestDataForwardingOnceConnected(t *testing.T) {
	tr := &fakeTransport{}
	dev := newFakeTap()
	c := NewInitiator(1, tr, dev, testMTU)
	mustConnect(t, c, tr, dev)

	inbound := packet.FromFrame([]byte("hello from peer"))
	if _, _, err := c.Handle(inbound); err != nil {
		t.Fatalf("Handle(Data): %v", err)
	}
	if len(dev.writtenFrms) != 1 || string(dev.writtenFrms[0]) != "hello from peer" {
		t.Fatalf("frame not forwarded to tap: %+v", dev.writtenFrms)
	}

	if err := c.SendFrame([]byte("hello from me")); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	last := tr.lastLossy()
	frame, err := packet.FromTransport(last).Frame()
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	if string(frame) != "hello from me" {
		t.Fatalf("forwarded frame mismatch: %q", frame)
	}
}

// TestSendFrameFragmentsOversizedFrames is scenario S3/S6: a frame whose
// wire form exceeds MTU_T is fragmented before being handed to the
// transport, each fragment fitting under MTU_T.
func TestSendFrameFragmentsOversizedFrames(t *testing.T) {
	tr := &fakeTransport{}
	dev := newFakeTap()
	c := NewInitiator(1, tr, dev, testMTU)
	mustConnect(t, c, tr, dev)

	frame := make([]byte, 2500)
	if err := c.SendFrame(frame); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	if len(tr.lossy) != 3 {
		t.Fatalf("expected 3 fragments sent lossy, got %d", len(tr.lossy))
	}
	for _, f := range tr.lossy {
		if len(f) > testMTU {
			t.Errorf("fragment of %d bytes exceeds MTU_T %d", len(f), testMTU)
		}
	}
}

// TestFragmentReassemblyDispatchesSynchronously verifies that feeding a
// connection its own fragments, once complete, re-enters Handle and is
// forwarded to the TAP exactly once.
func TestFragmentReassemblyDispatchesSynchronously(t *testing.T) {
	tr := &fakeTransport{}
	dev := newFakeTap()
	c := NewInitiator(1, tr, dev, testMTU)
	mustConnect(t, c, tr, dev)

	frame := make([]byte, 2500)
	for i := range frame {
		frame[i] = byte(i)
	}
	original := packet.FromFrame(frame)
	frags, err := packet.Split(original, testMTU)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	for i, idx := range []int{1, 0, 2} {
		action, _, err := c.Handle(frags[idx])
		if err != nil {
			t.Fatalf("Handle(fragment %d): %v", idx, err)
		}
		if action != ActionNone {
			t.Fatalf("unexpected action on fragment delivery %d", i)
		}
	}

	if len(dev.writtenFrms) != 1 {
		t.Fatalf("expected exactly one reassembled frame written, got %d", len(dev.writtenFrms))
	}
	if !equalBytes(dev.writtenFrms[0], frame) {
		t.Fatal("reassembled frame does not match original")
	}
}

// TestCloseEmitsConnectionCloseAndClosesTap is scenario S6 teardown.
func TestCloseEmitsConnectionCloseAndClosesTap(t *testing.T) {
	tr := &fakeTransport{}
	dev := newFakeTap()
	c := NewInitiator(1, tr, dev, testMTU)
	mustConnect(t, c, tr, dev)

	c.Close()

	if got := c.State(); got != Deleting {
		t.Fatalf("state: got %s, want Deleting", got)
	}
	last := tr.lastLossless()
	tag, _ := packet.FromTransport(last).Tag()
	if tag != packet.TagConnectionClose {
		t.Fatalf("expected ConnectionClose, got tag 0x%02X", uint8(tag))
	}
	if !dev.closed {
		t.Fatal("tap should be closed")
	}

	// Destroy is idempotent once Deleting.
	c.Destroy()
	if got := c.State(); got != Deleting {
		t.Fatalf("state after redundant Destroy: got %s", got)
	}
}

// TestRejectFromFriendRequestPending exercises the responder-side reject
// path and its destructor tag.
func TestRejectFromFriendRequestPending(t *testing.T) {
	tr := &fakeTransport{}
	dev := newFakeTap()
	c := NewResponder(1, tr, dev, testMTU)

	c.Reject()

	if got := c.State(); got != Deleting {
		t.Fatalf("state: got %s, want Deleting", got)
	}
	last := tr.lastLossless()
	tag, _ := packet.FromTransport(last).Tag()
	if tag != packet.TagConnectionReject {
		t.Fatalf("expected ConnectionReject, got tag 0x%02X", uint8(tag))
	}
}

// TestAcceptSendFailureResetsAndDeletes exercises fakeTransport.rejectAll's
// intended scenario for the accept step: a failed ConnectionAccept send is
// a consistency-sensitive failure (spec.md §4.2.1), so it must reset and
// delete the connection rather than silently entering ExpectingIP as if the
// peer had been told.
func TestAcceptSendFailureResetsAndDeletes(t *testing.T) {
	tr := &fakeTransport{}
	dev := newFakeTap()
	c := NewResponder(1, tr, dev, testMTU)

	tr.rejectAll = true
	action, ev, err := c.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if action != ActionDelete {
		t.Fatalf("action: got %v, want ActionDelete", action)
	}
	if ev != EventClosed {
		t.Fatalf("event: got %v, want EventClosed", ev)
	}
	if got := c.State(); got != Deleting {
		t.Fatalf("state: got %s, want Deleting", got)
	}
	last := tr.lastAttemptedLossless()
	tag, _ := packet.FromTransport(last).Tag()
	if tag != packet.TagConnectionReset {
		t.Fatalf("expected a ConnectionReset attempt after failed accept send, got tag 0x%02X", uint8(tag))
	}
	if !dev.closed {
		t.Fatal("tap should be closed on reset")
	}
}

// TestIPProposalSendFailureResetsAndDeletes covers the same scenario for
// the IpProposal send issued when the initiator receives ConnectionAccept:
// a failed send must not be silently clobbered by the ExpectingIPConfirm
// state transition that follows it.
func TestIPProposalSendFailureResetsAndDeletes(t *testing.T) {
	tr := &fakeTransport{}
	dev := newFakeTap()
	c := NewInitiator(1, tr, dev, testMTU)

	tr.rejectAll = true
	action, ev, err := c.Handle(packet.FromTag(packet.TagConnectionAccept))
	if err != nil {
		t.Fatalf("Handle(ConnectionAccept): %v", err)
	}
	if action != ActionDelete {
		t.Fatalf("action: got %v, want ActionDelete", action)
	}
	if ev != EventClosed {
		t.Fatalf("event: got %v, want EventClosed", ev)
	}
	if got := c.State(); got != Deleting {
		t.Fatalf("state: got %s, want Deleting", got)
	}
	last := tr.lastAttemptedLossless()
	tag, _ := packet.FromTransport(last).Tag()
	if tag != packet.TagConnectionReset {
		t.Fatalf("expected a ConnectionReset attempt after failed IpProposal send, got tag 0x%02X", uint8(tag))
	}
}

func mustConnect(t *testing.T, c *Connection, tr *fakeTransport, dev *fakeTap) {
	t.Helper()
	if _, _, err := c.Handle(packet.FromTag(packet.TagConnectionAccept)); err != nil {
		t.Fatalf("Handle(ConnectionAccept): %v", err)
	}
	if _, _, err := c.Handle(packet.FromTag(packet.TagIPAccept)); err != nil {
		t.Fatalf("Handle(IpAccept): %v", err)
	}
	if c.State() != Connected {
		t.Fatalf("mustConnect: state is %s, not Connected", c.State())
	}
}

func (f *fakeTransport) lastLossy() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.lossy) == 0 {
		return nil
	}
	return f.lossy[len(f.lossy)-1]
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
