package netstack

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

////////////////////////////////////////////////////////////////////////////////
// Wire headers. All multi-byte fields are big-endian at fixed offsets.
////////////////////////////////////////////////////////////////////////////////

// ARP constants for Ethernet/IPv4.
const (
	arpHardwareEthernet = 1
	arpProtoIPv4        = 0x0800

	arpOpRequest = 1
	arpOpReply   = 2
)

// arpPacket is the 28-byte Ethernet/IPv4 ARP body.
type arpPacket struct {
	hwType    uint16
	protoType uint16
	hwSize    uint8
	protoSize uint8
	op        uint16
	senderMAC macAddr
	senderIP  [4]byte
	targetMAC macAddr
	targetIP  [4]byte
}

func parseARPPacket(data []byte) (arpPacket, error) {
	if len(data) < arpPacketLen {
		return arpPacket{}, fmt.Errorf("arp packet too short: %d", len(data))
	}
	p := arpPacket{
		hwType:    binary.BigEndian.Uint16(data[0:2]),
		protoType: binary.BigEndian.Uint16(data[2:4]),
		hwSize:    data[4],
		protoSize: data[5],
		op:        binary.BigEndian.Uint16(data[6:8]),
		senderMAC: readMAC(data[8:14]),
		targetMAC: readMAC(data[18:24]),
	}
	copy(p.senderIP[:], data[14:18])
	copy(p.targetIP[:], data[24:28])
	return p, nil
}

// encode writes the packet into dst, which must hold arpPacketLen bytes.
func (p arpPacket) encode(dst []byte) {
	binary.BigEndian.PutUint16(dst[0:2], arpHardwareEthernet)
	binary.BigEndian.PutUint16(dst[2:4], arpProtoIPv4)
	dst[4] = 6
	dst[5] = 4
	binary.BigEndian.PutUint16(dst[6:8], p.op)
	writeMAC(dst[8:14], p.senderMAC)
	copy(dst[14:18], p.senderIP[:])
	writeMAC(dst[18:24], p.targetMAC)
	copy(dst[24:28], p.targetIP[:])
}

// IPv4 flag bits within the flags/fragment-offset word.
const (
	ipv4FlagMoreFragments = 0x2000
	ipv4FlagDontFragment  = 0x4000
	ipv4FragmentOffset    = 0x1fff
)

// ipv4Header captures the fixed 20B header. Options are skipped, not
// interpreted.
type ipv4Header struct {
	version  uint8
	ihl      uint8
	tos      uint8
	length   uint16
	id       uint16
	flags    uint16 // includes flags and fragment offset
	ttl      uint8
	protocol protocolNumber
	checksum uint16
	src      [4]byte
	dst      [4]byte
}

func (h ipv4Header) headerLen() int { return int(h.ihl) * 4 }

func (h ipv4Header) moreFragments() bool { return h.flags&ipv4FlagMoreFragments != 0 }

func (h ipv4Header) fragmentOffset() int { return int(h.flags&ipv4FragmentOffset) * 8 }

// parseIPv4Header decodes the header at the start of data. Length and
// checksum consistency is left to the caller.
func parseIPv4Header(data []byte) (ipv4Header, error) {
	if len(data) < ipv4HeaderLen {
		return ipv4Header{}, fmt.Errorf("ipv4 header too short: %d", len(data))
	}
	version := data[0] >> 4
	ihl := data[0] & 0x0f
	if version != 4 {
		return ipv4Header{}, fmt.Errorf("unsupported ipv4 version: %d", version)
	}
	if int(ihl)*4 < ipv4HeaderLen {
		return ipv4Header{}, fmt.Errorf("ipv4 header length too small: %d", int(ihl)*4)
	}
	if len(data) < int(ihl)*4 {
		return ipv4Header{}, fmt.Errorf("ipv4 header length mismatch: %d", int(ihl)*4)
	}
	h := ipv4Header{
		version:  version,
		ihl:      ihl,
		tos:      data[1],
		length:   binary.BigEndian.Uint16(data[2:4]),
		id:       binary.BigEndian.Uint16(data[4:6]),
		flags:    binary.BigEndian.Uint16(data[6:8]),
		ttl:      data[8],
		protocol: protocolNumber(data[9]),
		checksum: binary.BigEndian.Uint16(data[10:12]),
	}
	copy(h.src[:], data[12:16])
	copy(h.dst[:], data[16:20])
	return h, nil
}

// encode writes a 20-byte header, options-free, and fills in its checksum.
func (h ipv4Header) encode(dst []byte) {
	dst[0] = 4<<4 | ipv4HeaderLen/4
	dst[1] = h.tos
	binary.BigEndian.PutUint16(dst[2:4], h.length)
	binary.BigEndian.PutUint16(dst[4:6], h.id)
	binary.BigEndian.PutUint16(dst[6:8], h.flags)
	dst[8] = h.ttl
	dst[9] = byte(h.protocol)
	binary.BigEndian.PutUint16(dst[10:12], 0)
	copy(dst[12:16], h.src[:])
	copy(dst[16:20], h.dst[:])
	binary.BigEndian.PutUint16(dst[10:12], Checksum16(dst[:ipv4HeaderLen]))
}

// ipv4HeaderChecksum computes the checksum of hdr as if its checksum field
// were zero, without modifying hdr.
func ipv4HeaderChecksum(hdr []byte) uint16 {
	sum := sum16(hdr[:10], 0)
	sum = sum16(hdr[12:], sum)
	return ^fold(sum)
}

// ICMP types and codes.
const (
	icmpTypeEchoReply       = 0
	icmpTypeDestUnreachable = 3
	icmpTypeEchoRequest     = 8

	icmpCodeProtocolUnreachable = 2
	icmpCodePortUnreachable     = 3
)

// udpHeader is the fixed 8-byte UDP header.
type udpHeader struct {
	srcPort  uint16
	dstPort  uint16
	length   uint16
	checksum uint16
}

func parseUDPHeader(data []byte) (udpHeader, error) {
	if len(data) < udpHeaderLen {
		return udpHeader{}, fmt.Errorf("udp header too short: %d", len(data))
	}
	return udpHeader{
		srcPort:  binary.BigEndian.Uint16(data[0:2]),
		dstPort:  binary.BigEndian.Uint16(data[2:4]),
		length:   binary.BigEndian.Uint16(data[4:6]),
		checksum: binary.BigEndian.Uint16(data[6:8]),
	}, nil
}

func (h udpHeader) encode(dst []byte) {
	binary.BigEndian.PutUint16(dst[0:2], h.srcPort)
	binary.BigEndian.PutUint16(dst[2:4], h.dstPort)
	binary.BigEndian.PutUint16(dst[4:6], h.length)
	binary.BigEndian.PutUint16(dst[6:8], h.checksum)
}

// udpChecksum returns the checksum for a complete UDP datagram (header and
// payload) whose checksum field is treated as zero. A computed zero is
// returned as 0xffff, the on-wire form (RFC 768).
func udpChecksum(src, dst [4]byte, datagram []byte) uint16 {
	sum := pseudoHeaderSum(src, dst, udpProtocolNumber, len(datagram))
	sum = sum16(datagram[:6], sum)
	sum = sum16(datagram[udpHeaderLen:], sum)
	check := ^fold(sum)
	if check == 0 {
		check = 0xffff
	}
	return check
}

////////////////////////////////////////////////////////////////////////////////
// MAC and address helpers.
////////////////////////////////////////////////////////////////////////////////

// macAddr packs a 48-bit hardware address into the low bits of a uint64.
type macAddr uint64

const macMask macAddr = (1 << 48) - 1

const macBroadcast = macMask

func (m macAddr) String() string {
	return macFromUint64(m).String()
}

func macToUint64(mac net.HardwareAddr) (macAddr, bool) {
	if len(mac) != 6 {
		return 0, false
	}
	return readMAC(mac), true
}

func readMAC(b []byte) macAddr {
	return macAddr(uint64(b[0])<<40 |
		uint64(b[1])<<32 |
		uint64(b[2])<<24 |
		uint64(b[3])<<16 |
		uint64(b[4])<<8 |
		uint64(b[5]))
}

func macFromUint64(v macAddr) net.HardwareAddr {
	var buf [6]byte
	writeMAC(buf[:], v)
	return net.HardwareAddr(buf[:])
}

func writeMAC(dst []byte, mac macAddr) {
	mac &= macMask
	dst[0] = byte(mac >> 40)
	dst[1] = byte(mac >> 32)
	dst[2] = byte(mac >> 24)
	dst[3] = byte(mac >> 16)
	dst[4] = byte(mac >> 8)
	dst[5] = byte(mac)
}

func randomMAC() (net.HardwareAddr, error) {
	mac := make(net.HardwareAddr, 6)
	if _, err := cryptoRand.Read(mac); err != nil {
		return nil, err
	}
	mac[0] |= 2  // locally administered
	mac[0] &^= 1 // unicast
	return mac, nil
}

func ipString(ip [4]byte) string {
	return netip.AddrFrom4(ip).String()
}
