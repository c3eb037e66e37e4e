package ipproxy

import (
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
)

// tcpipAddr converts a stdlib netip.Addr into the gvisor address type
// used by the header package's mutable views.
func tcpipAddr(a netip.Addr) tcpip.Address {
	return tcpip.AddrFrom4(a.As4())
}

// netipAddr converts a gvisor address back into a stdlib netip.Addr.
func netipAddr(a tcpip.Address) netip.Addr {
	return netip.AddrFrom4(a.As4())
}
