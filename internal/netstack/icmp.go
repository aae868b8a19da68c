package netstack

import (
	"encoding/binary"
	"fmt"
)

////////////////////////////////////////////////////////////////////////////////
// ICMP: echo reply and destination unreachable.
////////////////////////////////////////////////////////////////////////////////

func (ns *NetStack) icmpInit() {
	ns.registerIPProtocol(icmpProtocolNumber, ns.handleICMP)
}

// handleICMP answers echo requests. Every other message type is ignored.
func (ns *NetStack) handleICMP(pkt *packetBuffer, h ipv4Header) {
	msg := pkt.Bytes()
	if len(msg) < icmpHeaderLen {
		ns.drop("icmp", "short", "len", len(msg))
		return
	}
	if msg[0] != icmpTypeEchoRequest {
		ns.log.Debug("icmp: ignore message", "type", msg[0], "code", msg[1], "src", ipString(h.src))
		return
	}

	received := binary.BigEndian.Uint16(msg[2:4])
	binary.BigEndian.PutUint16(msg[2:4], 0)
	calculated := Checksum16(msg)
	binary.BigEndian.PutUint16(msg[2:4], received)
	if received != calculated {
		ns.drop("icmp", "checksum",
			"received", fmt.Sprintf("0x%04x", received),
			"calculated", fmt.Sprintf("0x%04x", calculated),
		)
		return
	}

	// The reply is the request with type 0 and a fresh checksum; identifier,
	// sequence and data are echoed untouched.
	reply := newPacketBuffer(ethernetHeaderLen+ipv4HeaderLen, msg)
	b := reply.Bytes()
	b[0] = icmpTypeEchoReply
	b[1] = 0
	binary.BigEndian.PutUint16(b[2:4], 0)
	binary.BigEndian.PutUint16(b[2:4], Checksum16(b))

	ns.stats.echoReplies.Add(1)
	if err := ns.ipOut(reply, h.src, icmpProtocolNumber); err != nil {
		ns.log.Warn("icmp: send echo reply failed", "dst", ipString(h.src), "err", err)
	}
}

// icmpUnreachable reports datagram as undeliverable to dst. datagram starts
// at its IPv4 header; the message quotes that header plus the first 8 bytes
// of its payload.
func (ns *NetStack) icmpUnreachable(datagram []byte, dst [4]byte, code uint8) error {
	quoted := len(datagram)
	if len(datagram) > 0 {
		quoted = min(quoted, int(datagram[0]&0x0f)*4+8)
	}

	msg := newPacketBuffer(ethernetHeaderLen+ipv4HeaderLen, make([]byte, icmpHeaderLen+quoted))
	b := msg.Bytes()
	b[0] = icmpTypeDestUnreachable
	b[1] = code
	// Bytes 2..7 (checksum and the unused word) stay zero until summed.
	copy(b[icmpHeaderLen:], datagram[:quoted])
	binary.BigEndian.PutUint16(b[2:4], Checksum16(b))

	ns.stats.unreachablesOut.Add(1)
	return ns.ipOut(msg, dst, icmpProtocolNumber)
}
