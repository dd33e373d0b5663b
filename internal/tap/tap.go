// Package tap declares the contract the core consumes from the
// platform-specific layer-2 virtual network interface (spec.md §6): open
// implicitly at construction, set an IPv4 address, poll for pending frames,
// and read/write whole Ethernet frames. See tap/water.go for the one
// concrete backend this module ships.
package tap

// Device is the external TAP adapter contract.
type Device interface {
	// SetIP assigns 192.168.<subnet>.<postfix>/24 to the interface.
	SetIP(subnet, postfix uint8) error

	// IsSubnetUnused reports whether subnet is free for use on this host,
	// observing live host state (DESIGN NOTES §9).
	IsSubnetUnused(subnet uint8) (bool, error)

	// DataPending reports whether a frame is ready to be read without
	// blocking.
	DataPending() bool

	// ReadFrame reads one pending Ethernet frame. Callers must check
	// DataPending first — spec.md §5 forbids blocking reads in the
	// cooperative scheduler.
	ReadFrame() ([]byte, error)

	// WriteFrame writes one Ethernet frame to the interface.
	WriteFrame(frame []byte) error

	// Close releases the underlying OS handle.
	Close() error
}

// Factory creates a Device for a newly established connection. Matches the
// "one TAP per connection" design permitted by DESIGN NOTES §9: subnets are
// disjoint per peer, so IP assignment never collides across connections.
type Factory func() (Device, error)
