package packet

import (
	"fmt"
	"sort"
)

// Reassembler buffers in-flight fragments for a single connection, keyed by
// splitted index (spec.md §4.1.3). It is not safe for concurrent use — each
// Connection owns one, and the single-threaded cooperative model (spec.md
// §5) guarantees it is only ever touched from Iterate/Handle.
type Reassembler struct {
	buckets map[uint8][]*Packet
}

// NewReassembler creates an empty fragment table.
func NewReassembler() *Reassembler {
	return &Reassembler{buckets: make(map[uint8][]*Packet)}
}

// Feed buffers fragment and, once its bucket is complete, reassembles and
// returns the original Packet. It returns (nil, nil) while the bucket is
// still incomplete, and a fragment-corruption error (the bucket is
// discarded) if the completed bucket's fragment_index sequence is not
// exactly 0..N-1.
//
// On successful reassembly it also ages out the buckets at
// (splittedIndex+128), (+129), (+130) mod 256, per the wrap-around
// protection rule in spec.md §4.1.3 step 4.
func (r *Reassembler) Feed(frag *Packet) (*Packet, error) {
	info, err := frag.AsFragment()
	if err != nil {
		// Malformed fragment header: dropped silently (spec.md §4.1.3).
		return nil, nil
	}

	bucket := append(r.buckets[info.SplittedIndex], frag)
	r.buckets[info.SplittedIndex] = bucket

	if len(bucket) != int(info.FragmentsCount) {
		return nil, nil
	}

	reassembled, err := FromFragments(bucket)
	delete(r.buckets, info.SplittedIndex)
	if err != nil {
		return nil, err
	}

	r.ageOut(info.SplittedIndex)
	return reassembled, nil
}

// ageOut drops the three buckets half the ID space ahead of splittedIndex,
// preventing a counter wrap from reviving a dead partial reassembly.
func (r *Reassembler) ageOut(splittedIndex uint8) {
	for i := 128; i <= 130; i++ {
		delete(r.buckets, splittedIndex+uint8(i))
	}
}

// FromFragments sorts bucket by fragment_index, verifies the sequence is
// exactly 0..N-1, and concatenates the payloads into the original Packet —
// the constructor for "a list of fragments to be reassembled" (spec.md
// §3). Reassembler.Feed is the only caller that sees a complete bucket in
// practice, but the function is exported since reassembly from an
// already-collected set of fragments is a valid operation in its own
// right.
func FromFragments(bucket []*Packet) (*Packet, error) {
	infos := make([]FragmentInfo, len(bucket))
	for i, f := range bucket {
		info, err := f.AsFragment()
		if err != nil {
			return nil, fmt.Errorf("packet: fragment corruption: %w", err)
		}
		infos[i] = info
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].FragmentIndex < infos[j].FragmentIndex
	})

	for i, info := range infos {
		if int(info.FragmentIndex) != i {
			return nil, fmt.Errorf("packet: fragment corruption: expected index %d, got %d", i, info.FragmentIndex)
		}
	}

	var total int
	for _, info := range infos {
		total += len(info.Payload)
	}
	whole := make([]byte, 0, total)
	for _, info := range infos {
		whole = append(whole, info.Payload...)
	}

	return &Packet{buf: whole}, nil
}
