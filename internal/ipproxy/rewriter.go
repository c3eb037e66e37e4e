package ipproxy

import (
	"fmt"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"ianus-proxy-core/internal/corelog"
)

// Rewriter is the Packet Rewriter: a synchronous, reentrant transformer
// invoked on every inbound and outbound IPv4 datagram carrying TCP. It
// never retains the packet buffer past the call and never blocks.
type Rewriter struct {
	nat        *Table
	anchorPort uint16
	log        *corelog.Logger
}

// NewRewriter builds a Rewriter bound to the given NAT table and anchor
// port. anchorPort is the Relay Engine's listening port, chosen once at
// startup by binding port 0 on the configured anchor bind address.
func NewRewriter(nat *Table, anchorPort uint16, log *corelog.Logger) *Rewriter {
	if log == nil {
		log = corelog.Default
	}
	return &Rewriter{nat: nat, anchorPort: anchorPort, log: log}
}

// RecvHandle rewrites a packet arriving from the overlay and aimed at a
// real destination this host is proxying. source is the sender's
// overlay address; destination is the local anchor address traffic is
// being redirected to. Returns false (never consumed) on success; a
// non-nil error means the packet was malformed and the caller should
// drop it.
func (r *Rewriter) RecvHandle(packet []byte, source, destination netip.Addr) (bool, error) {
	ip := header.IPv4(packet)
	if !ip.IsValid(len(packet)) {
		return false, fmt.Errorf("ipproxy: malformed IPv4 header")
	}

	destIP := ip.DestinationAddress()

	tcpHdr := header.TCP(ip.Payload())
	if len(tcpHdr) < header.TCPMinimumSize {
		return false, fmt.Errorf("ipproxy: malformed TCP header")
	}

	sourcePort := tcpHdr.SourcePort()
	destPort := tcpHdr.DestinationPort()

	tcpHdr.SetDestinationPort(r.anchorPort)
	recomputeTCPChecksum(tcpHdr, tcpipAddr(source), tcpipAddr(destination))

	ip.SetDestinationAddress(tcpipAddr(destination))
	recomputeIPChecksum(ip)

	r.nat.Insert(
		ClientKey{IP: source, Port: sourcePort},
		Target{IP: netipAddr(destIP), Port: destPort},
	)

	r.log.Debugf("rewriter", "recv %s:%d -> anchor, nat[%s:%d]=%s:%d",
		source, sourcePort, source, sourcePort, netipAddr(destIP), destPort)

	return false, nil
}

// SendHandle rewrites a packet leaving on the reverse path. On a NAT
// miss the packet is left unchanged and no error is returned — a miss
// is not malformed input, it is simply traffic this core isn't
// proxying.
func (r *Rewriter) SendHandle(packet []byte) error {
	ip := header.IPv4(packet)
	if !ip.IsValid(len(packet)) {
		return fmt.Errorf("ipproxy: malformed IPv4 header")
	}

	destIP := ip.DestinationAddress()

	tcpHdr := header.TCP(ip.Payload())
	if len(tcpHdr) < header.TCPMinimumSize {
		return fmt.Errorf("ipproxy: malformed TCP header")
	}
	destPort := tcpHdr.DestinationPort()

	target, ok := r.nat.Lookup(ClientKey{IP: netipAddr(destIP), Port: destPort})
	if !ok {
		return nil
	}

	tcpHdr.SetSourcePort(target.Port)
	recomputeTCPChecksum(tcpHdr, tcpipAddr(target.IP), destIP)

	ip.SetSourceAddress(tcpipAddr(target.IP))
	recomputeIPChecksum(ip)

	r.log.Debugf("rewriter", "send nat hit, rewrote source to %s:%d", target.IP, target.Port)

	return nil
}

// recomputeTCPChecksum recomputes tcpHdr's checksum over the given
// pseudo-header addresses and the header+payload that follows it. The
// caller chooses src/dst explicitly rather than reading them off the
// enclosing IPv4 view, because at some call sites the IPv4 header's own
// address fields have not yet been rewritten to match the new
// pseudo-header (see RecvHandle, which rewrites the TCP checksum before
// the IPv4 destination address).
func recomputeTCPChecksum(tcpHdr header.TCP, src, dst tcpip.Address) {
	tcpHdr.SetChecksum(0)
	payload := tcpHdr.Payload()
	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber, src, dst, uint16(len(tcpHdr)))
	xsum = header.Checksum(payload, xsum)
	tcpHdr.SetChecksum(^tcpHdr.CalculateChecksum(xsum))
}

// recomputeIPChecksum recomputes the IPv4 header checksum in place.
func recomputeIPChecksum(ip header.IPv4) {
	ip.SetChecksum(0)
	ip.SetChecksum(^ip.CalculateChecksum())
}
