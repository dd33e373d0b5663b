package mux

import (
	"sync"
	"testing"
	"time"

	"github.com/1ureka/tapmesh/internal/packet"
	"github.com/1ureka/tapmesh/internal/tap"
)

// fakeTransport records sends, lets tests inject inbound packets through
// its registered callback, and never rejects a send.
type fakeTransport struct {
	mu       sync.Mutex
	sent     map[uint32][][]byte
	onRecv   func(friend uint32, payload []byte)
	interval time.Duration
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(map[uint32][][]byte), interval: 50 * time.Millisecond}
}

func (f *fakeTransport) SendLossless(friend uint32, payload []byte) bool { return f.record(friend, payload) }
func (f *fakeTransport) SendLossy(friend uint32, payload []byte) bool    { return f.record(friend, payload) }

func (f *fakeTransport) record(friend uint32, payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[friend] = append(f.sent[friend], append([]byte(nil), payload...))
	return true
}

func (f *fakeTransport) OnReceive(cb func(friend uint32, payload []byte)) { f.onRecv = cb }
func (f *fakeTransport) IterationInterval() time.Duration                { return f.interval }

func (f *fakeTransport) deliver(friend uint32, p *packet.Packet) {
	f.onRecv(friend, p.Buf())
}

func (f *fakeTransport) lastSentTo(friend uint32) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.sent[friend]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (f *fakeTransport) countSentTo(friend uint32) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[friend])
}

// fakeTap is a minimal in-memory tap.Device, with a queue of frames waiting
// to be "read" off the wire.
type fakeTap struct {
	mu       sync.Mutex
	pending  [][]byte
	written  [][]byte
	assigned bool
}

func newFakeTapFactory() tap.Factory {
	return func() (tap.Device, error) { return &fakeTap{}, nil }
}

func (t *fakeTap) SetIP(subnet, postfix uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.assigned = true
	return nil
}

func (t *fakeTap) IsSubnetUnused(subnet uint8) (bool, error) { return true, nil }

func (t *fakeTap) DataPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) > 0
}

func (t *fakeTap) ReadFrame() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.pending[0]
	t.pending = t.pending[1:]
	return f, nil
}

func (t *fakeTap) WriteFrame(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written = append(t.written, frame)
	return nil
}

func (t *fakeTap) Close() error { return nil }

func (t *fakeTap) enqueue(frame []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, frame)
}

const friendA = uint32(0xA1A1A1A1)
const friendB = uint32(0xB2B2B2B2)

// TestConnectSendsRequestAndTracksState is scenario S1's mux-level half.
func TestConnectSendsRequestAndTracksState(t *testing.T) {
	tr := newFakeTransport()
	m := New(tr, newFakeTapFactory(), 1024)

	if err := m.Connect(friendA); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.Connect(friendA); err == nil {
		t.Fatal("Connect should fail for a duplicate friend")
	}

	last := tr.lastSentTo(friendA)
	tag, _ := packet.FromTransport(last).Tag()
	if tag != packet.TagConnectionRequest {
		t.Fatalf("expected ConnectionRequest, got tag 0x%02X", uint8(tag))
	}

	state, ok := m.State(friendA)
	if !ok || state != RingingAtFriend {
		t.Fatalf("state: got %v,%v want RingingAtFriend,true", state, ok)
	}
}

// TestInboundRequestCreatesResponderAndEmitsRequested is the mux-level half
// of the dispatch rule §4.3.1 for an unknown friend sending
// ConnectionRequest.
func TestInboundRequestCreatesResponderAndEmitsRequested(t *testing.T) {
	tr := newFakeTransport()
	m := New(tr, newFakeTapFactory(), 1024)

	var events []Event
	m.SetEventHandler(func(e Event) { events = append(events, e) })

	tr.deliver(friendB, packet.FromTag(packet.TagConnectionRequest))

	state, ok := m.State(friendB)
	if !ok || state != FriendIsRinging {
		t.Fatalf("state: got %v,%v want FriendIsRinging,true", state, ok)
	}
	if len(events) != 1 || events[0].Kind != Requested || events[0].Friend != friendB {
		t.Fatalf("expected one Requested event for friendB, got %+v", events)
	}
}

// TestUnknownFriendUnexpectedTagGetsReset is the other half of §4.3.1: any
// tag other than ConnectionRequest/ConnectionReset for an unknown friend
// draws a ConnectionReset reply.
func TestUnknownFriendUnexpectedTagGetsReset(t *testing.T) {
	tr := newFakeTransport()
	m := New(tr, newFakeTapFactory(), 1024)

	tr.deliver(friendB, packet.FromTag(packet.TagData))

	last := tr.lastSentTo(friendB)
	tag, _ := packet.FromTransport(last).Tag()
	if tag != packet.TagConnectionReset {
		t.Fatalf("expected ConnectionReset, got tag 0x%02X", uint8(tag))
	}
	if _, ok := m.State(friendB); ok {
		t.Fatal("no connection should have been created")
	}
}

// TestUnknownFriendResetIsDroppedSilently ensures receiving ConnectionReset
// for an unknown friend never triggers a reply (would otherwise loop).
func TestUnknownFriendResetIsDroppedSilently(t *testing.T) {
	tr := newFakeTransport()
	_ = New(tr, newFakeTapFactory(), 1024)

	tr.deliver(friendB, packet.FromTag(packet.TagConnectionReset))

	if tr.countSentTo(friendB) != 0 {
		t.Fatalf("expected no reply, got %d sends", tr.countSentTo(friendB))
	}
}

// TestFullHandshakeEndToEnd drives both ends of a handshake through two
// independent Mux instances wired to each other via the fake transport,
// confirming events and final states (scenario S1/S2 combined).
func TestFullHandshakeEndToEnd(t *testing.T) {
	trA := newFakeTransport()
	trB := newFakeTransport()
	mA := New(trA, newFakeTapFactory(), 1024)
	mB := New(trB, newFakeTapFactory(), 1024)

	var eventsA, eventsB []Event
	mA.SetEventHandler(func(e Event) { eventsA = append(eventsA, e) })
	mB.SetEventHandler(func(e Event) { eventsB = append(eventsB, e) })

	const handleOfBAtA = friendB
	const handleOfAAtB = friendA

	if err := mA.Connect(handleOfBAtA); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// Deliver A's ConnectionRequest to B.
	trB.deliver(handleOfAAtB, packet.FromTransport(trA.lastSentTo(handleOfBAtA)))

	if err := mB.Accept(handleOfAAtB); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	// Deliver B's ConnectionAccept to A.
	trA.deliver(handleOfBAtA, packet.FromTransport(trB.lastSentTo(handleOfAAtB)))

	// A now proposes an IP to B.
	trB.deliver(handleOfAAtB, packet.FromTransport(trA.lastSentTo(handleOfBAtA)))

	// B accepted and replied IpAccept; deliver it to A.
	trA.deliver(handleOfBAtA, packet.FromTransport(trB.lastSentTo(handleOfAAtB)))

	stateA, _ := mA.State(handleOfBAtA)
	stateB, _ := mB.State(handleOfAAtB)
	if stateA != StateConnected {
		t.Fatalf("A's state: got %v, want Connected", stateA)
	}
	if stateB != StateConnected {
		t.Fatalf("B's state: got %v, want Connected", stateB)
	}

	if len(eventsA) != 1 || eventsA[0].Kind != Accepted {
		t.Fatalf("A's events: got %+v, want one Accepted", eventsA)
	}
	if len(eventsB) != 2 {
		t.Fatalf("B's events: got %+v, want Requested+Accepted", eventsB)
	}
}

// TestIterateForwardsTapFramesOnlyWhenConnected is scenario S5's mux-level
// half: TAP frames are only pumped for Connected connections, and a
// self-loop filter can veto individual frames.
func TestIterateForwardsTapFramesOnlyWhenConnected(t *testing.T) {
	tr := newFakeTransport()
	var lastDev *fakeTap
	m := New(tr, func() (tap.Device, error) {
		d := &fakeTap{}
		lastDev = d
		return d, nil
	}, 1024)

	if err := m.Connect(friendA); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	lastDev.enqueue([]byte("frame-while-not-connected"))
	m.Iterate()
	if tr.countSentTo(friendA) != 1 { // only the ConnectionRequest
		t.Fatalf("expected no frames forwarded before Connected, got %d sends", tr.countSentTo(friendA))
	}

	// Drive the handshake to Connected.
	tr.deliver(friendA, packet.FromTag(packet.TagConnectionAccept))
	tr.deliver(friendA, packet.FromTag(packet.TagIPAccept))
	state, _ := m.State(friendA)
	if state != StateConnected {
		t.Fatalf("state: got %v, want Connected", state)
	}

	m.SetSelfLoopFilter(func(frame []byte) bool { return string(frame) == "drop-me" })
	lastDev.enqueue([]byte("drop-me"))
	lastDev.enqueue([]byte("keep-me"))
	m.Iterate()

	last := tr.lastSentTo(friendA)
	frame, err := packet.FromTransport(last).Frame()
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	if string(frame) != "keep-me" {
		t.Fatalf("expected the filtered frame to be forwarded, got %q", frame)
	}
}

// TestCloseRemovesConnection is scenario S6's mux-level half.
func TestCloseRemovesConnection(t *testing.T) {
	tr := newFakeTransport()
	m := New(tr, newFakeTapFactory(), 1024)

	if err := m.Connect(friendA); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	m.Close(friendA)

	if _, ok := m.State(friendA); ok {
		t.Fatal("connection should have been removed after Close")
	}
	last := tr.lastSentTo(friendA)
	tag, _ := packet.FromTransport(last).Tag()
	if tag != packet.TagConnectionClose {
		t.Fatalf("expected ConnectionClose, got tag 0x%02X", uint8(tag))
	}
}

// TestShutdownDestroysEveryConnection covers the multiplexer-level
// destructor of spec.md §5.
func TestShutdownDestroysEveryConnection(t *testing.T) {
	tr := newFakeTransport()
	m := New(tr, newFakeTapFactory(), 1024)

	if err := m.Connect(friendA); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.Connect(friendB); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	m.Shutdown()

	if _, ok := m.State(friendA); ok {
		t.Fatal("friendA should have been removed by Shutdown")
	}
	if _, ok := m.State(friendB); ok {
		t.Fatal("friendB should have been removed by Shutdown")
	}
}

// TestIterationIntervalWithinTargetOnceConnected checks §4.3.2's hint:
// with no connections IterationInterval is the transport's own interval,
// and once a connection exists it stays within [0, 5ms].
func TestIterationIntervalWithinTargetOnceConnected(t *testing.T) {
	tr := newFakeTransport()
	m := New(tr, newFakeTapFactory(), 1024)

	if got := m.IterationInterval(); got != tr.interval {
		t.Fatalf("with no connections, want the transport's own interval, got %v", got)
	}

	if err := m.Connect(friendA); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	m.Iterate()
	got := m.IterationInterval()
	if got < 0 || got > iterateTarget {
		t.Fatalf("IterationInterval out of bounds: %v", got)
	}
}
