package packet

import (
	"fmt"
	"sync/atomic"
)

// nextSplittedIndex is the process-wide monotonic fragmentation-ID counter
// (spec.md §3). It wraps through the full uint8 range. Kept process-wide
// rather than per-connection per DESIGN NOTES §9 — either is correct as
// long as the aging rule in Reassembler.Feed is honoured.
var nextSplittedIndex atomic.Uint32

// NextSplittedIndex returns the next value of the global fragmentation
// counter, wrapping modulo 256.
func NextSplittedIndex() uint8 {
	return uint8(nextSplittedIndex.Add(1))
}

// FragmentInfo reports the header fields of a packet already known to carry
// TagFragment.
type FragmentInfo struct {
	SplittedIndex  uint8
	FragmentIndex  uint8
	FragmentsCount uint8
	Payload        []byte
}

// AsFragment validates and decodes a Fragment packet's header. Fragments
// with a malformed header (wrong tag, or length below FragmentHeaderLen)
// are rejected — spec.md §4.1.3 says to drop these silently; callers decide
// whether "drop" means log-and-ignore or propagate the error.
func (p *Packet) AsFragment() (FragmentInfo, error) {
	tag, err := p.Tag()
	if err != nil {
		return FragmentInfo{}, err
	}
	if tag != TagFragment {
		return FragmentInfo{}, fmt.Errorf("packet: not a Fragment (tag 0x%02X)", uint8(tag))
	}
	body := p.Body()
	if len(body) < FragmentHeaderLen-1 {
		return FragmentInfo{}, fmt.Errorf("packet: fragment header too short: %d bytes", len(body))
	}
	return FragmentInfo{
		SplittedIndex:  body[0],
		FragmentIndex:  body[1],
		FragmentsCount: body[2],
		Payload:        body[3:],
	}, nil
}

// Split breaks a Packet whose wire form exceeds mtu into an ordered sequence
// of Fragment packets sharing a single splitted index, such that their
// concatenated payloads reconstruct the original wire form (tag included).
// Split must only be called when p.Len() > mtu; mtu must exceed
// FragmentHeaderLen or no progress is possible.
func Split(p *Packet, mtu int) ([]*Packet, error) {
	if mtu <= FragmentHeaderLen {
		return nil, fmt.Errorf("packet: mtu %d too small to fragment", mtu)
	}
	payloadSize := mtu - FragmentHeaderLen
	whole := p.buf
	if len(whole) <= mtu {
		return nil, fmt.Errorf("packet: Split called on a packet that already fits MTU_T")
	}

	splittedIndex := NextSplittedIndex()

	var chunks [][]byte
	for off := 0; off < len(whole); off += payloadSize {
		end := off + payloadSize
		if end > len(whole) {
			end = len(whole)
		}
		chunks = append(chunks, whole[off:end])
	}

	n := len(chunks)
	if n > 255 {
		return nil, fmt.Errorf("packet: packet of %d bytes needs %d fragments, more than the 255 a fragments_count byte can carry", len(whole), n)
	}

	frags := make([]*Packet, n)
	for i, chunk := range chunks {
		buf := make([]byte, FragmentHeaderLen+len(chunk))
		buf[0] = byte(TagFragment)
		buf[1] = splittedIndex
		buf[2] = uint8(i)
		buf[3] = uint8(n)
		copy(buf[4:], chunk)
		frags[i] = &Packet{buf: buf, tagValidated: true}
	}
	return frags, nil
}
