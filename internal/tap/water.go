package tap

import (
	"fmt"
	"net"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"

	"github.com/1ureka/tapmesh/internal/util"
)

// LinuxDevice is the one concrete tap.Device this module ships, backed by
// github.com/songgao/water in TAP mode. Addressing and link state are
// managed with github.com/vishvananda/netlink, the same combination the
// ironwood example uses for its TUN device, generalized here from a TUN's
// /netlink-addressed point-to-point link to a TAP's /24 per-connection
// subnet (spec.md §6).
//
// water's Interface has no non-blocking read, so one reader goroutine
// drains it into a buffered channel; DataPending/ReadFrame only ever touch
// that channel from the caller's single iterate loop, honoring spec.md §5's
// rule that a reader thread must confine its output to a queue drained by
// the main thread.
type LinuxDevice struct {
	iface *water.Interface
	mtu   int
	recv  chan []byte
	done  chan struct{}
}

// NewLinuxDeviceFactory returns a Factory opening one fresh TAP interface
// per call, sized so its link MTU equals MTU_T minus Ethernet-plus-tag
// overhead (spec.md §6: `MTU_T - 18 - 1`).
func NewLinuxDeviceFactory(mtuT int) Factory {
	return func() (Device, error) {
		cfg := water.Config{DeviceType: water.TAP}
		iface, err := water.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("tap: opening TAP interface: %w", err)
		}

		d := &LinuxDevice{
			iface: iface,
			mtu:   mtuT - 18 - 1,
			recv:  make(chan []byte, 256),
			done:  make(chan struct{}),
		}
		go d.readLoop()
		return d, nil
	}
}

func (d *LinuxDevice) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, err := d.iface.Read(buf)
		if err != nil {
			close(d.recv)
			return
		}
		frame := append([]byte(nil), buf[:n]...)
		select {
		case d.recv <- frame:
		case <-d.done:
			return
		}
	}
}

// SetIP assigns 192.168.<subnet>.<postfix>/24 to the interface, sets its
// link MTU, and brings it up.
func (d *LinuxDevice) SetIP(subnet, postfix uint8) error {
	link, err := netlink.LinkByName(d.iface.Name())
	if err != nil {
		return fmt.Errorf("tap: LinkByName(%s): %w", d.iface.Name(), err)
	}

	addr, err := netlink.ParseAddr(fmt.Sprintf("192.168.%d.%d/24", subnet, postfix))
	if err != nil {
		return fmt.Errorf("tap: ParseAddr: %w", err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("tap: AddrAdd: %w", err)
	}
	if err := netlink.LinkSetMTU(link, d.mtu); err != nil {
		return fmt.Errorf("tap: LinkSetMTU: %w", err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("tap: LinkSetUp: %w", err)
	}

	util.LogDebug("tap %s: assigned 192.168.%d.%d/24, mtu %d", d.iface.Name(), subnet, postfix, d.mtu)
	return nil
}

// IsSubnetUnused probes live host state for any existing
// 192.168.<subnet>.0/24 assignment, per DESIGN NOTES §9's "observe live
// host state" requirement.
func (d *LinuxDevice) IsSubnetUnused(subnet uint8) (bool, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false, fmt.Errorf("tap: Interfaces: %w", err)
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			if ip4[0] == 192 && ip4[1] == 168 && ip4[2] == subnet {
				return false, nil
			}
		}
	}
	return true, nil
}

// DataPending reports whether a frame is already buffered.
func (d *LinuxDevice) DataPending() bool {
	return len(d.recv) > 0
}

// ReadFrame returns the next buffered frame. Callers must have checked
// DataPending first — spec.md §5 forbids a blocking read here.
func (d *LinuxDevice) ReadFrame() ([]byte, error) {
	select {
	case frame, ok := <-d.recv:
		if !ok {
			return nil, fmt.Errorf("tap: interface closed")
		}
		return frame, nil
	default:
		return nil, fmt.Errorf("tap: ReadFrame called with no data pending")
	}
}

// WriteFrame writes one Ethernet frame to the interface.
func (d *LinuxDevice) WriteFrame(frame []byte) error {
	_, err := d.iface.Write(frame)
	return err
}

// Close stops the reader goroutine and releases the OS handle.
func (d *LinuxDevice) Close() error {
	close(d.done)
	return d.iface.Close()
}
