package main

import (
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"ianus-proxy-core/internal/corelog"
	"ianus-proxy-core/internal/ipproxy"
)

func tcpipAddrOf(a netip.Addr) tcpip.Address {
	return tcpip.AddrFrom4(a.As4())
}

// demoRecvSend is not a real upstream IP demultiplexer — it's a tiny
// stand-in showing the two calls a real one would make: RecvHandle on
// an inbound datagram, SendHandle on the reply, using a synthetic
// packet instead of a real virtual interface.
func demoRecvSend(rewriter *ipproxy.Rewriter, log *corelog.Logger) {
	client := netip.MustParseAddr("10.0.0.5")
	anchor := netip.MustParseAddr("127.0.0.1")
	realServer := netip.MustParseAddr("10.0.0.2")

	pkt := buildSynPacket(client, realServer, 51000, 443)
	if _, err := rewriter.RecvHandle(pkt, client, anchor); err != nil {
		log.Warnf("ianusd", "demo recv_handle failed: %v", err)
		return
	}
	log.Debugf("ianusd", "demo: recv_handle rewrote dest to %s:%d", anchor, header.TCP(header.IPv4(pkt).Payload()).DestinationPort())

	reply := buildSynPacket(realServer, client, 443, 51000)
	if err := rewriter.SendHandle(reply); err != nil {
		log.Warnf("ianusd", "demo send_handle failed: %v", err)
		return
	}
	log.Debugf("ianusd", "demo: send_handle rewrote source to %s", netip.AddrFrom4(header.IPv4(reply).SourceAddress().As4()))
}

// buildSynPacket assembles a minimal IPv4+TCP SYN segment with no
// payload and a valid IPv4 header checksum; the TCP checksum is left
// zero, since the rewriter recomputes it.
func buildSynPacket(src, dst netip.Addr, srcPort, dstPort uint16) []byte {
	const ipLen = header.IPv4MinimumSize
	const tcpLen = header.TCPMinimumSize
	buf := make([]byte, ipLen+tcpLen)

	ip := header.IPv4(buf)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(len(buf)),
		TTL:         64,
		Protocol:    uint8(header.TCPProtocolNumber),
		SrcAddr:     tcpipAddrOf(src),
		DstAddr:     tcpipAddrOf(dst),
	})

	tcp := header.TCP(buf[ipLen:])
	tcp.Encode(&header.TCPFields{
		SrcPort:    srcPort,
		DstPort:    dstPort,
		SeqNum:     1,
		AckNum:     0,
		DataOffset: tcpLen,
		Flags:      header.TCPFlagSyn,
		WindowSize: 65535,
	})

	ip.SetChecksum(0)
	ip.SetChecksum(^ip.CalculateChecksum())
	return buf
}
