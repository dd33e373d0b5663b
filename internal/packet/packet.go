// Package packet defines the wire format exchanged with peers: a tagged
// byte buffer, constructors from the various sources a Packet can come
// from, and the fragmentation/reassembly needed to fit an Ethernet frame
// through a transport with a small maximum packet size.
package packet

import "fmt"

// Tag identifies a Packet's wire type. It is always the first byte.
type Tag uint8

// Transport packet types (spec.md §6). Reliable tags live in [0xA0,0xBF],
// best-effort tags in [0xC8,0xFE].
const (
	TagConnectionRequest Tag = 0xA0
	TagConnectionAccept  Tag = 0xA1
	TagConnectionReject  Tag = 0xA2
	TagConnectionClose   Tag = 0xA3
	TagConnectionReset   Tag = 0xA4
	TagIPProposal        Tag = 0xA5
	TagIPAccept          Tag = 0xA6
	TagIPReject          Tag = 0xA7

	TagData     Tag = 0xC8
	TagFragment Tag = 0xC9
)

// IPProposalBodyLen is the body size of an IpProposal packet: subnet(1) + postfix(1).
const IPProposalBodyLen = 2

// FragmentHeaderLen is the 4-byte Fragment header: the tag byte followed by
// splitted_index, fragment_index and fragments_count, each 1 byte.
const FragmentHeaderLen = 4

// Packet is the central wire unit: a contiguous buffer whose first byte is
// the type tag. Cloning is cheap — Buf returns the same underlying slice,
// callers that need isolation copy explicitly.
type Packet struct {
	buf          []byte
	tagValidated bool
}

// FromTransport builds a Packet from a raw inbound buffer received from the
// transport. The tag is validated lazily, on first typed access.
func FromTransport(buf []byte) *Packet {
	return &Packet{buf: buf}
}

// FromFrame wraps a raw Ethernet frame read from the TAP device as a Data
// packet.
func FromFrame(frame []byte) *Packet {
	buf := make([]byte, 1+len(frame))
	buf[0] = byte(TagData)
	copy(buf[1:], frame)
	return &Packet{buf: buf, tagValidated: true}
}

// FromIPProposal builds an IpProposal packet for the given subnet/postfix.
func FromIPProposal(subnet, postfix uint8) *Packet {
	return &Packet{buf: []byte{byte(TagIPProposal), subnet, postfix}, tagValidated: true}
}

// FromTag builds a bare control packet carrying only its tag byte.
func FromTag(tag Tag) *Packet {
	return &Packet{buf: []byte{byte(tag)}, tagValidated: true}
}

// Buf returns the packet's wire form, tag byte included. The caller must
// not mutate the returned slice.
func (p *Packet) Buf() []byte {
	return p.buf
}

// Len returns the size of the wire form.
func (p *Packet) Len() int {
	return len(p.buf)
}

// Tag validates (on first call) and returns the packet's type tag.
func (p *Packet) Tag() (Tag, error) {
	if len(p.buf) < 1 {
		return 0, fmt.Errorf("packet: empty buffer has no tag")
	}
	p.tagValidated = true
	return Tag(p.buf[0]), nil
}

// Body returns everything after the tag byte.
func (p *Packet) Body() []byte {
	if len(p.buf) < 1 {
		return nil
	}
	return p.buf[1:]
}

// SendClass classifies how a tag must be sent. Any tag outside the two
// reserved ranges is a programmer error (spec.md §4.1.4).
type SendClass int

const (
	Reliable SendClass = iota
	BestEffort
)

func (c SendClass) String() string {
	if c == Reliable {
		return "reliable"
	}
	return "best-effort"
}

// ClassOf returns the delivery class for tag, or an error if tag is outside
// both reserved ranges.
func ClassOf(tag Tag) (SendClass, error) {
	switch {
	case tag >= 0xA0 && tag <= 0xBF:
		return Reliable, nil
	case tag >= 0xC8 && tag <= 0xFE:
		return BestEffort, nil
	default:
		return 0, fmt.Errorf("packet: tag 0x%02X is outside the reliable/best-effort ranges", uint8(tag))
	}
}

// IPProposal extracts the (subnet, postfix) pair from an IpProposal body.
func (p *Packet) IPProposal() (subnet, postfix uint8, err error) {
	tag, err := p.Tag()
	if err != nil {
		return 0, 0, err
	}
	if tag != TagIPProposal {
		return 0, 0, fmt.Errorf("packet: not an IpProposal (tag 0x%02X)", uint8(tag))
	}
	body := p.Body()
	if len(body) < IPProposalBodyLen {
		return 0, 0, fmt.Errorf("packet: IpProposal body too short: %d bytes", len(body))
	}
	return body[0], body[1], nil
}

// Frame returns the Ethernet frame carried by a Data packet.
func (p *Packet) Frame() ([]byte, error) {
	tag, err := p.Tag()
	if err != nil {
		return nil, err
	}
	if tag != TagData {
		return nil, fmt.Errorf("packet: not a Data packet (tag 0x%02X)", uint8(tag))
	}
	return p.Body(), nil
}
