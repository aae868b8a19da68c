package netstack

import (
	"fmt"
)

////////////////////////////////////////////////////////////////////////////////
// IPv4: receive validation, protocol demux and fragmenting send.
////////////////////////////////////////////////////////////////////////////////

func (ns *NetStack) ipInit() {
	ns.registerLinkProtocol(etherTypeIPv4, ns.handleIPv4)
}

func (ns *NetStack) registerIPProtocol(proto protocolNumber, h ipHandler) {
	if _, ok := ns.ipProtocols[proto]; ok {
		panic(fmt.Sprintf("netstack: duplicate handler for %s", proto))
	}
	ns.ipProtocols[proto] = h
}

// handleIPv4 validates a datagram and passes its payload up. Anything
// malformed or not addressed to us is dropped silently.
func (ns *NetStack) handleIPv4(payload []byte, _ macAddr) {
	hdr, err := parseIPv4Header(payload)
	if err != nil {
		ns.drop("ipv4", "malformed", "err", err)
		return
	}
	hl := hdr.headerLen()
	total := int(hdr.length)
	if total < hl || total > len(payload) {
		ns.drop("ipv4", "bad_length", "totalLength", total, "received", len(payload))
		return
	}
	if check := ipv4HeaderChecksum(payload[:hl]); check != hdr.checksum {
		ns.drop("ipv4", "checksum",
			"received", fmt.Sprintf("0x%04x", hdr.checksum),
			"calculated", fmt.Sprintf("0x%04x", check),
		)
		return
	}
	if hdr.dst != ns.hostIPv4 {
		ns.drop("ipv4", "foreign_destination", "src", ipString(hdr.src), "dst", ipString(hdr.dst))
		return
	}

	// Link-layer padding past the total length is discarded here.
	pkt := wrapPacketBuffer(payload[:total])

	handler, ok := ns.ipProtocols[hdr.protocol]
	if !ok {
		ns.log.Debug("ipv4: unsupported protocol",
			"proto", hdr.protocol.String(),
			"src", ipString(hdr.src),
		)
		ns.stats.unsupportedProtocol.Add(1)
		if err := ns.icmpUnreachable(pkt.Bytes(), hdr.src, icmpCodeProtocolUnreachable); err != nil {
			ns.log.Warn("ipv4: send protocol unreachable failed", "err", err)
		}
		return
	}

	pkt.PopHeader(hl)
	handler(pkt, hdr)
}

// nextIPID returns the identification for the next datagram. The counter is
// shared by every protocol and wraps at 16 bits.
func (ns *NetStack) nextIPID() uint16 {
	return uint16(ns.ipID.Add(1) - 1)
}

// ipOut sends pkt as the payload of one IPv4 datagram to dst, splitting it
// into fragments when it exceeds the MTU. All fragments share one id.
func (ns *NetStack) ipOut(pkt *packetBuffer, dst [4]byte, proto protocolNumber) error {
	if pkt.Len() > maxIPv4PayloadLen {
		return fmt.Errorf("ipv4 payload of %d bytes: %w", pkt.Len(), ErrPayloadTooLarge)
	}

	id := ns.nextIPID()
	maxPayload := ns.mtu - ipv4HeaderLen
	if pkt.Len() <= maxPayload {
		return ns.fragmentOut(pkt, dst, proto, id, 0, false)
	}

	// Fragment offsets count 8-byte units, so every non-final fragment
	// carries a multiple of 8 bytes.
	chunk := maxPayload &^ 7
	data := pkt.Bytes()
	ns.stats.fragmentedDatagrams.Add(1)

	var firstErr error
	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		frag := newPacketBuffer(ethernetHeaderLen+ipv4HeaderLen, data[off:end])
		err := ns.fragmentOut(frag, dst, proto, id, uint16(off/8), end < len(data))
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// fragmentOut prepends an IPv4 header and hands the datagram to ARP. offset
// is in 8-byte units.
func (ns *NetStack) fragmentOut(
	pkt *packetBuffer,
	dst [4]byte,
	proto protocolNumber,
	id uint16,
	offset uint16,
	more bool,
) error {
	flags := offset & ipv4FragmentOffset
	if more {
		flags |= ipv4FlagMoreFragments
	}
	h := pkt.PushHeader(ipv4HeaderLen)
	ipv4Header{
		length:   uint16(pkt.Len()),
		id:       id,
		flags:    flags,
		ttl:      ns.ttl,
		protocol: proto,
		src:      ns.hostIPv4,
		dst:      dst,
	}.encode(h)
	ns.stats.datagramsOut.Add(1)
	return ns.arpOut(pkt, dst)
}
