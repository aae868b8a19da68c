package netstack

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sort"

	"github.com/tinyrange/netcore/internal/expiry"
)

////////////////////////////////////////////////////////////////////////////////
// UDP datapath.
////////////////////////////////////////////////////////////////////////////////

func (ns *NetStack) udpInit() {
	// Bindings never expire.
	ns.udpTable = expiry.New[uint16, UDPHandler](0, nil)
	ns.udpConns = make(map[uint16]*UDPConn)
	ns.registerIPProtocol(udpProtocolNumber, ns.handleUDP)
}

// OpenUDP binds handler to port. Binding an already bound port replaces the
// previous handler.
func (ns *NetStack) OpenUDP(port uint16, handler UDPHandler) error {
	if port == 0 {
		return ErrInvalidPort
	}
	if handler == nil {
		return fmt.Errorf("udp port %d: nil handler", port)
	}
	ns.udpMu.Lock()
	ns.udpTable.Set(port, handler)
	// A UDPConn on this port loses the binding; its Close leaves it alone.
	delete(ns.udpConns, port)
	ns.udpMu.Unlock()
	return nil
}

// CloseUDP unbinds port. Later datagrams to it draw port unreachable.
func (ns *NetStack) CloseUDP(port uint16) {
	ns.udpMu.Lock()
	ns.udpTable.Delete(port)
	delete(ns.udpConns, port)
	ns.udpMu.Unlock()
}

// bindUDPConn binds c to its port only if the port is free.
func (ns *NetStack) bindUDPConn(c *UDPConn) error {
	if c.port == 0 {
		return ErrInvalidPort
	}
	ns.udpMu.Lock()
	defer ns.udpMu.Unlock()
	if _, ok := ns.udpTable.Get(c.port); ok {
		return fmt.Errorf("udp port %d already in use", c.port)
	}
	ns.udpTable.Set(c.port, c.enqueue)
	ns.udpConns[c.port] = c
	return nil
}

// unbindUDPConn releases c's port if c still owns it.
func (ns *NetStack) unbindUDPConn(c *UDPConn) {
	ns.udpMu.Lock()
	defer ns.udpMu.Unlock()
	if ns.udpConns[c.port] != c {
		return
	}
	delete(ns.udpConns, c.port)
	ns.udpTable.Delete(c.port)
}

// UDPPorts returns the bound ports in ascending order.
func (ns *NetStack) UDPPorts() []uint16 {
	var ports []uint16
	ns.udpTable.Range(func(e expiry.Entry[uint16, UDPHandler]) bool {
		ports = append(ports, e.Key)
		return true
	})
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

// handleUDP verifies the datagram and dispatches the payload to the handler
// bound to its destination port.
func (ns *NetStack) handleUDP(pkt *packetBuffer, h ipv4Header) {
	data := pkt.Bytes()
	hdr, err := parseUDPHeader(data)
	if err != nil {
		ns.drop("udp", "short", "len", len(data))
		return
	}
	if int(hdr.length) < udpHeaderLen || int(hdr.length) > len(data) {
		ns.drop("udp", "bad_length", "length", hdr.length, "received", len(data))
		return
	}
	pkt.Truncate(int(hdr.length))
	data = pkt.Bytes()

	// A zero checksum means the sender did not compute one.
	if hdr.checksum != 0 {
		if check := udpChecksum(h.src, ns.hostIPv4, data); check != hdr.checksum {
			ns.drop("udp", "checksum",
				"received", fmt.Sprintf("0x%04x", hdr.checksum),
				"calculated", fmt.Sprintf("0x%04x", check),
				"src", ipString(h.src),
			)
			return
		}
	}

	handler, ok := ns.udpTable.Get(hdr.dstPort)
	if !ok {
		ns.log.Debug("udp: no listener",
			"src", ipString(h.src),
			"srcPort", hdr.srcPort,
			"dstPort", hdr.dstPort,
		)
		ns.stats.portUnreachable.Add(1)
		// The IPv4 header is still in front of the popped region.
		pkt.PushHeader(h.headerLen())
		if err := ns.icmpUnreachable(pkt.Bytes(), h.src, icmpCodePortUnreachable); err != nil {
			ns.log.Warn("udp: send port unreachable failed", "err", err)
		}
		return
	}

	pkt.PopHeader(udpHeaderLen)
	ns.stats.udpIn.Add(1)
	handler(pkt.Bytes(), netip.AddrPortFrom(netip.AddrFrom4(h.src), hdr.srcPort))
}

// SendUDP transmits data from srcPort to dst:dstPort.
func (ns *NetStack) SendUDP(data []byte, srcPort uint16, dst netip.Addr, dstPort uint16) error {
	if !dst.Is4() && !dst.Is4In6() {
		return fmt.Errorf("udp destination %s: %w", dst, ErrNotIPv4)
	}
	if len(data) > maxUDPPayloadLen {
		return fmt.Errorf("udp payload of %d bytes: %w", len(data), ErrPayloadTooLarge)
	}
	return ns.udpOut(newPacketBuffer(outboundHeadroom, data), srcPort, dst.Unmap().As4(), dstPort)
}

// udpOut prepends a UDP header to pkt and passes it to IPv4.
func (ns *NetStack) udpOut(pkt *packetBuffer, srcPort uint16, dst [4]byte, dstPort uint16) error {
	h := pkt.PushHeader(udpHeaderLen)
	udpHeader{
		srcPort: srcPort,
		dstPort: dstPort,
		length:  uint16(pkt.Len()),
	}.encode(h)
	binary.BigEndian.PutUint16(h[6:8], udpChecksum(ns.hostIPv4, dst, pkt.Bytes()))

	ns.stats.udpOut.Add(1)
	return ns.ipOut(pkt, dst, udpProtocolNumber)
}
