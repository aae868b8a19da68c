package netstack

import (
	"encoding/binary"
	"math/bits"
)

////////////////////////////////////////////////////////////////////////////////
// Internet checksum (RFC 1071) and address helpers.
////////////////////////////////////////////////////////////////////////////////

// Checksum16 returns the ones' complement of the ones' complement sum of data
// taken as big-endian 16-bit words. An odd trailing byte is the high byte of
// a final word padded with zero.
//
// A region that already carries its own correct checksum sums to zero.
func Checksum16(data []byte) uint16 {
	return ^fold(sum16(data, 0))
}

// checksumWithInitial is Checksum16 seeded with a partial sum, typically a
// pseudo-header.
func checksumWithInitial(data []byte, initial uint64) uint16 {
	return ^fold(sum16(data, initial))
}

func sum16(data []byte, sum uint64) uint64 {
	i := 0
	for ; i+1 < len(data); i += 2 {
		sum += uint64(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if i < len(data) {
		sum += uint64(data[i]) << 8
	}
	return sum
}

func fold(sum uint64) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint16(sum)
}

// pseudoHeaderSum is the IPv4 pseudo-header partial sum: source, destination,
// zero, protocol and transport length.
func pseudoHeaderSum(src, dst [4]byte, protocol protocolNumber, length int) uint64 {
	var sum uint64
	sum += uint64(binary.BigEndian.Uint16(src[0:2]))
	sum += uint64(binary.BigEndian.Uint16(src[2:4]))
	sum += uint64(binary.BigEndian.Uint16(dst[0:2]))
	sum += uint64(binary.BigEndian.Uint16(dst[2:4]))
	sum += uint64(protocol)
	sum += uint64(length)
	return sum
}

// PrefixMatch returns how many leading bits a and b have in common (0..32).
func PrefixMatch(a, b [4]byte) int {
	return bits.LeadingZeros32(binary.BigEndian.Uint32(a[:]) ^ binary.BigEndian.Uint32(b[:]))
}
