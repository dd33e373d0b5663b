// Package selfloop implements the Ethernet/IP/UDP inspection of spec.md
// §4.3.3/§6: detecting a frame read from the TAP that originated from the
// host's own transport socket, so it is never re-forwarded as data.
package selfloop

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Filter reports whether an Ethernet frame's UDP source port matches the
// transport socket's own port. Lazy decoding stops as soon as the
// UDP/Fragment question is answered, matching the teacher pack's preference
// for gopacket over hand-rolled byte offsets.
type Filter struct {
	port layers.UDPPort
}

// New returns a Filter that flags frames whose UDP source port equals
// transportPort.
func New(transportPort uint16) *Filter {
	return &Filter{port: layers.UDPPort(transportPort)}
}

// IsSelfLoop reports whether frame carries IPv4/IPv6 + UDP with a source
// port equal to the filter's transport port. Non-IP frames, non-UDP
// frames, and any non-first IP fragment (which doesn't carry a UDP header)
// report false — there is nothing to match against.
func (f *Filter) IsSelfLoop(frame []byte) bool {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Lazy)

	if v4 := pkt.Layer(layers.LayerTypeIPv4); v4 != nil {
		ip4, ok := v4.(*layers.IPv4)
		if !ok || ip4.Protocol != layers.IPProtocolUDP {
			return false
		}
		if isIPv4Fragmented(ip4) {
			return false
		}
		return f.matchesUDP(pkt)
	}

	if v6 := pkt.Layer(layers.LayerTypeIPv6); v6 != nil {
		if isIPv6NonFirstFragment(pkt) {
			return false
		}
		if !hasUDPAfterIPv6(pkt) {
			return false
		}
		return f.matchesUDP(pkt)
	}

	return false
}

// isIPv4Fragmented reports whether ip4 is anything but the first fragment
// of a fragmented datagram: a non-zero FragOffset marks a later fragment,
// which lacks the UDP header spec.md requires us to inspect, while offset 0
// (with or without MoreFragments) is the first fragment or an unfragmented
// datagram and does carry the header.
func isIPv4Fragmented(ip4 *layers.IPv4) bool {
	return ip4.FragOffset != 0
}

// isIPv6NonFirstFragment unwraps a single IPv6 Fragment extension header
// (spec.md §6: "unwrapping a single Fragment extension header for IPv6")
// and reports whether this is anything but the first fragment.
func isIPv6NonFirstFragment(pkt gopacket.Packet) bool {
	frag := pkt.Layer(layers.LayerTypeIPv6Fragment)
	if frag == nil {
		return false
	}
	f, ok := frag.(*layers.IPv6Fragment)
	if !ok {
		return true
	}
	return f.FragmentOffset != 0
}

// hasUDPAfterIPv6 reports whether, after unwrapping at most one Fragment
// extension header, the next header is UDP.
func hasUDPAfterIPv6(pkt gopacket.Packet) bool {
	if frag := pkt.Layer(layers.LayerTypeIPv6Fragment); frag != nil {
		f, ok := frag.(*layers.IPv6Fragment)
		return ok && f.NextHeader == layers.IPProtocolUDP
	}
	v6, ok := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	return ok && v6.NextHeader == layers.IPProtocolUDP
}

func (f *Filter) matchesUDP(pkt gopacket.Packet) bool {
	u := pkt.Layer(layers.LayerTypeUDP)
	if u == nil {
		return false
	}
	udp, ok := u.(*layers.UDP)
	if !ok {
		return false
	}
	return udp.SrcPort == f.port
}
