package netstack

// packetBuffer is a byte region with headroom in front of the live data.
// Outbound layers push their headers into the headroom; inbound layers pop
// headers off the front. Popped bytes stay in place, so pushing the same
// count again re-exposes them unchanged.
type packetBuffer struct {
	buf  []byte
	head int
	tail int
}

// newPacketBuffer copies data behind headroom spare bytes.
func newPacketBuffer(headroom int, data []byte) *packetBuffer {
	buf := make([]byte, headroom+len(data))
	copy(buf[headroom:], data)
	return &packetBuffer{buf: buf, head: headroom, tail: len(buf)}
}

// wrapPacketBuffer uses data in place with no headroom.
func wrapPacketBuffer(data []byte) *packetBuffer {
	return &packetBuffer{buf: data, head: 0, tail: len(data)}
}

// Bytes returns the live region. It aliases the buffer.
func (b *packetBuffer) Bytes() []byte { return b.buf[b.head:b.tail] }

func (b *packetBuffer) Len() int { return b.tail - b.head }

// Headroom reports how many bytes can be pushed without reallocating.
func (b *packetBuffer) Headroom() int { return b.head }

// PushHeader grows the live region by n bytes at the front and returns them.
// The buffer is reallocated if the headroom is too small.
func (b *packetBuffer) PushHeader(n int) []byte {
	if n > b.head {
		grow := n - b.head
		buf := make([]byte, len(b.buf)+grow)
		copy(buf[grow:], b.buf)
		b.buf = buf
		b.head += grow
		b.tail += grow
	}
	b.head -= n
	return b.buf[b.head : b.head+n]
}

// PopHeader removes n bytes from the front and returns them. It returns nil
// if fewer than n bytes are live.
func (b *packetBuffer) PopHeader(n int) []byte {
	if n > b.Len() {
		return nil
	}
	h := b.buf[b.head : b.head+n]
	b.head += n
	return h
}

// Truncate shrinks the live region to n bytes, discarding trailing data.
func (b *packetBuffer) Truncate(n int) {
	if n < b.Len() {
		b.tail = b.head + n
	}
}
