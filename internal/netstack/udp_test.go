package netstack

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"slices"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const udpOffset = ethernetHeaderLen + ipv4HeaderLen

type udpRecorder struct {
	payloads [][]byte
	from     []netip.AddrPort
}

func (r *udpRecorder) handle(payload []byte, from netip.AddrPort) {
	r.payloads = append(r.payloads, append([]byte(nil), payload...))
	r.from = append(r.from, from)
}

func TestUDPDeliversToBoundPort(t *testing.T) {
	stack, nic, frames := newTestNetStack(t, testConfig())
	learnPeer(t, nic)

	var rec udpRecorder
	if err := stack.OpenUDP(9000, rec.handle); err != nil {
		t.Fatalf("open udp: %v", err)
	}
	deliver(t, nic, buildUDPFrame(t, 4444, 9000, []byte("datagram")))

	if len(rec.payloads) != 1 || string(rec.payloads[0]) != "datagram" {
		t.Fatalf("payloads = %q", rec.payloads)
	}
	if want := netip.AddrPortFrom(testPeerIP, 4444); rec.from[0] != want {
		t.Fatalf("from = %s, want %s", rec.from[0], want)
	}
	if stack.stats.udpIn.Load() != 1 {
		t.Fatalf("udp in = %d", stack.stats.udpIn.Load())
	}
	expectNoFrame(t, frames)
}

func TestUDPPortUnreachable(t *testing.T) {
	stack, nic, frames := newTestNetStack(t, testConfig())
	learnPeer(t, nic)

	inbound := buildUDPFrame(t, 4444, 9999, []byte("nobody home"))
	deliver(t, nic, inbound)

	pkt := decodeFrame(t, awaitFrame(t, frames))
	ip := ipv4Of(t, pkt)
	if !ip.DstIP.Equal(testPeerIP.AsSlice()) || ip.Protocol != layers.IPProtocolICMPv4 {
		t.Fatalf("unreachable ip header %+v", ip)
	}
	msg := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	if msg.TypeCode != layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodePort) {
		t.Fatalf("type/code = %v", msg.TypeCode)
	}
	// The offending IPv4 header and the UDP header that follows it.
	if want := inbound[ethernetHeaderLen : udpOffset+udpHeaderLen]; !bytes.Equal(msg.Payload, want) {
		t.Fatalf("quoted\n got % x\nwant % x", msg.Payload, want)
	}
	if Checksum16(ip.Payload) != 0 {
		t.Fatalf("icmp checksum invalid")
	}
	expectNoFrame(t, frames)
	if stack.stats.portUnreachable.Load() != 1 {
		t.Fatalf("port unreachable = %d", stack.stats.portUnreachable.Load())
	}
}

func TestUDPChecksumMismatchIsSilent(t *testing.T) {
	stack, nic, frames := newTestNetStack(t, testConfig())
	learnPeer(t, nic)

	var rec udpRecorder
	if err := stack.OpenUDP(9000, rec.handle); err != nil {
		t.Fatalf("open udp: %v", err)
	}
	frame := buildUDPFrame(t, 4444, 9000, bytes.Repeat([]byte("p"), 40))
	frame[len(frame)-1] ^= 0x20
	deliver(t, nic, frame)

	// Unbound ports get no unreachable for a corrupt datagram either.
	frame = buildUDPFrame(t, 4444, 9999, bytes.Repeat([]byte("p"), 40))
	frame[len(frame)-1] ^= 0x20
	deliver(t, nic, frame)

	expectNoFrame(t, frames)
	if len(rec.payloads) != 0 {
		t.Fatalf("corrupt datagram delivered")
	}
	if got := testutil.ToFloat64(stack.stats.dropped.WithLabelValues("udp", "checksum")); got != 2 {
		t.Fatalf("checksum drops = %v", got)
	}
}

func TestUDPZeroChecksumAccepted(t *testing.T) {
	stack, nic, _ := newTestNetStack(t, testConfig())
	learnPeer(t, nic)

	var rec udpRecorder
	if err := stack.OpenUDP(9000, rec.handle); err != nil {
		t.Fatalf("open udp: %v", err)
	}
	frame := buildUDPFrame(t, 4444, 9000, []byte("unchecked"))
	binary.BigEndian.PutUint16(frame[udpOffset+6:], 0)
	deliver(t, nic, frame)

	if len(rec.payloads) != 1 || string(rec.payloads[0]) != "unchecked" {
		t.Fatalf("payloads = %q", rec.payloads)
	}
}

func TestUDPLengthField(t *testing.T) {
	tests := []struct {
		name    string
		length  uint16
		want    string
		dropped bool
	}{
		{name: "beyond datagram", length: 200, dropped: true},
		{name: "below header", length: 4, dropped: true},
		{name: "shorter than datagram", length: udpHeaderLen + 3, want: "hel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stack, nic, frames := newTestNetStack(t, testConfig())
			learnPeer(t, nic)

			var rec udpRecorder
			if err := stack.OpenUDP(9000, rec.handle); err != nil {
				t.Fatalf("open udp: %v", err)
			}
			frame := buildUDPFrame(t, 4444, 9000, []byte("hello"))
			binary.BigEndian.PutUint16(frame[udpOffset+4:], tt.length)
			binary.BigEndian.PutUint16(frame[udpOffset+6:], 0)
			deliver(t, nic, frame)
			expectNoFrame(t, frames)

			if tt.dropped {
				if len(rec.payloads) != 0 {
					t.Fatalf("delivered %q", rec.payloads)
				}
				if got := testutil.ToFloat64(stack.stats.dropped.WithLabelValues("udp", "bad_length")); got != 1 {
					t.Fatalf("bad_length drops = %v", got)
				}
				return
			}
			if len(rec.payloads) != 1 || string(rec.payloads[0]) != tt.want {
				t.Fatalf("payloads = %q, want %q", rec.payloads, tt.want)
			}
		})
	}
}

func TestUDPSendBuildsValidDatagram(t *testing.T) {
	stack, nic, frames := newTestNetStack(t, testConfig())
	learnPeer(t, nic)

	if err := stack.SendUDP([]byte("outbound"), 1111, testPeerIP, 2222); err != nil {
		t.Fatalf("send udp: %v", err)
	}
	pkt := decodeFrame(t, awaitFrame(t, frames))
	ip := ipv4Of(t, pkt)
	udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if udp.SrcPort != 1111 || udp.DstPort != 2222 || udp.Length != 16 {
		t.Fatalf("udp header %+v", udp)
	}
	if udp.Checksum == 0 {
		t.Fatalf("udp checksum not computed")
	}
	segment := append(append([]byte(nil), udp.Contents...), udp.Payload...)
	if !transportChecksumValid(ip.SrcIP, ip.DstIP, uint8(layers.IPProtocolUDP), segment) {
		t.Fatalf("udp checksum 0x%04x invalid", udp.Checksum)
	}
	if stack.stats.udpOut.Load() != 1 {
		t.Fatalf("udp out = %d", stack.stats.udpOut.Load())
	}
}

func TestSendUDPRejects(t *testing.T) {
	stack, nic, frames := newTestNetStack(t, testConfig())
	learnPeer(t, nic)

	if err := stack.SendUDP(make([]byte, maxUDPPayloadLen+1), 1, testPeerIP, 2); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("oversized payload: %v", err)
	}
	if err := stack.SendUDP([]byte("v6"), 1, netip.MustParseAddr("fd00::2"), 2); !errors.Is(err, ErrNotIPv4) {
		t.Fatalf("ipv6 destination: %v", err)
	}
	expectNoFrame(t, frames)

	// An IPv4-mapped destination is accepted.
	if err := stack.SendUDP([]byte("mapped"), 1, netip.AddrFrom16(testPeerIP.As16()), 2); err != nil {
		t.Fatalf("mapped destination: %v", err)
	}
	awaitFrame(t, frames)
}

func TestOpenUDPValidation(t *testing.T) {
	stack, nic, frames := newTestNetStack(t, testConfig())
	learnPeer(t, nic)

	if err := stack.OpenUDP(0, func([]byte, netip.AddrPort) {}); !errors.Is(err, ErrInvalidPort) {
		t.Fatalf("port 0: %v", err)
	}
	if err := stack.OpenUDP(1, nil); err == nil {
		t.Fatalf("nil handler accepted")
	}

	// Rebinding replaces the handler.
	var first, second udpRecorder
	if err := stack.OpenUDP(9000, first.handle); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := stack.OpenUDP(9000, second.handle); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	deliver(t, nic, buildUDPFrame(t, 1, 9000, []byte("x")))
	if len(first.payloads) != 0 || len(second.payloads) != 1 {
		t.Fatalf("first/second got %d/%d", len(first.payloads), len(second.payloads))
	}
	if ports := stack.UDPPorts(); !slices.Equal(ports, []uint16{9000}) {
		t.Fatalf("ports = %v", ports)
	}

	stack.CloseUDP(9000)
	if ports := stack.UDPPorts(); len(ports) != 0 {
		t.Fatalf("ports after close = %v", ports)
	}
	deliver(t, nic, buildUDPFrame(t, 1, 9000, []byte("x")))
	if _, ok := decodeFrame(t, awaitFrame(t, frames)).Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4); !ok {
		t.Fatalf("closed port did not answer unreachable")
	}
}

func TestServeUDPEcho(t *testing.T) {
	stack, nic, frames := newTestNetStack(t, testConfig())
	learnPeer(t, nic)

	if err := stack.ServeUDPEcho(7); err != nil {
		t.Fatalf("echo: %v", err)
	}
	deliver(t, nic, buildUDPFrame(t, 33000, 7, []byte("mirror")))

	pkt := decodeFrame(t, awaitFrame(t, frames))
	udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if udp.SrcPort != 7 || udp.DstPort != 33000 || string(udp.Payload) != "mirror" {
		t.Fatalf("echo reply %+v", udp)
	}
	if ip := ipv4Of(t, pkt); !ip.DstIP.Equal(testPeerIP.AsSlice()) {
		t.Fatalf("echo reply to %s", ip.DstIP)
	}
}

////////////////////////////////////////////////////////////////////////////////
// UDPConn.
////////////////////////////////////////////////////////////////////////////////

func TestUDPConnRoundTrip(t *testing.T) {
	stack, nic, frames := newTestNetStack(t, testConfig())
	learnPeer(t, nic)

	conn, err := stack.ListenUDP(8080)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	if got := conn.LocalAddr().String(); got != "10.0.0.1:8080" {
		t.Fatalf("local addr = %s", got)
	}

	deliver(t, nic, buildUDPFrame(t, 5555, 8080, []byte("request")))

	buf := make([]byte, 64)
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	n, from, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "request" || from.String() != "10.0.0.2:5555" {
		t.Fatalf("read %q from %s", buf[:n], from)
	}

	if _, err := conn.WriteTo([]byte("response"), from); err != nil {
		t.Fatalf("write: %v", err)
	}
	udp := decodeFrame(t, awaitFrame(t, frames)).Layer(layers.LayerTypeUDP).(*layers.UDP)
	if udp.SrcPort != 8080 || udp.DstPort != 5555 || string(udp.Payload) != "response" {
		t.Fatalf("written datagram %+v", udp)
	}
}

func TestUDPConnDeadlinesAndClose(t *testing.T) {
	stack, _, _ := newTestNetStack(t, testConfig())

	conn, err := stack.ListenUDP(8080)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if _, err := stack.ListenUDP(8080); err == nil {
		t.Fatalf("second listen on a bound port succeeded")
	}

	_ = conn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
	if _, _, err := conn.ReadFrom(make([]byte, 8)); !isTimeout(err) {
		t.Fatalf("read past deadline: %v", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(-time.Second))
	if _, err := conn.WriteTo([]byte("late"), net.UDPAddrFromAddrPort(netip.AddrPortFrom(testPeerIP, 1))); !isTimeout(err) {
		t.Fatalf("write past deadline: %v", err)
	}
	_ = conn.SetDeadline(time.Time{})
	if _, err := conn.WriteTo([]byte("x"), &net.IPAddr{IP: net.IPv4(10, 0, 0, 2)}); err == nil {
		t.Fatalf("write to non-udp address succeeded")
	}

	// Close unblocks a pending read.
	errc := make(chan error, 1)
	go func() {
		_, _, err := conn.ReadFrom(make([]byte, 8))
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, net.ErrClosed) {
			t.Fatalf("read after close: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("close did not unblock read")
	}
	if _, err := conn.WriteTo([]byte("x"), net.UDPAddrFromAddrPort(netip.AddrPortFrom(testPeerIP, 1))); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("write after close: %v", err)
	}
	_ = conn.Close()

	// The port is free again.
	again, err := stack.ListenUDP(8080)
	if err != nil {
		t.Fatalf("relisten: %v", err)
	}
	_ = again.Close()
}

func TestUDPConnQueueOverflow(t *testing.T) {
	stack, nic, _ := newTestNetStack(t, testConfig())
	learnPeer(t, nic)

	conn, err := stack.ListenUDP(8080)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	frame := buildUDPFrame(t, 1, 8080, []byte("fill"))
	for i := 0; i < udpQueueLen+3; i++ {
		deliver(t, nic, frame)
	}
	if got := testutil.ToFloat64(stack.stats.dropped.WithLabelValues("udp", "socket_queue_full")); got != 3 {
		t.Fatalf("socket_queue_full drops = %v", got)
	}
}

func TestUDPConnDeadlineChangeWakesBlockedRead(t *testing.T) {
	stack, _, _ := newTestNetStack(t, testConfig())

	conn, err := stack.ListenUDP(8080)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	errc := make(chan error, 1)
	go func() {
		_, _, err := conn.ReadFrom(make([]byte, 8))
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)

	// A far deadline keeps the read blocked.
	_ = conn.SetReadDeadline(time.Now().Add(time.Hour))
	select {
	case err := <-errc:
		t.Fatalf("read returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	_ = conn.SetReadDeadline(time.Now())
	select {
	case err := <-errc:
		if !isTimeout(err) {
			t.Fatalf("read after deadline moved to now: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("blocked read ignored the new deadline")
	}
}

func TestUDPConnCloseKeepsReboundPort(t *testing.T) {
	stack, nic, _ := newTestNetStack(t, testConfig())
	learnPeer(t, nic)

	conn, err := stack.ListenUDP(7001)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var rec udpRecorder
	if err := stack.OpenUDP(7001, rec.handle); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if ports := stack.UDPPorts(); !slices.Equal(ports, []uint16{7001}) {
		t.Fatalf("ports after stale close = %v", ports)
	}
	deliver(t, nic, buildUDPFrame(t, 4444, 7001, []byte("still bound")))
	if len(rec.payloads) != 1 || string(rec.payloads[0]) != "still bound" {
		t.Fatalf("handler payloads = %q", rec.payloads)
	}

	// CloseUDP releases the port for a new socket.
	stack.CloseUDP(7001)
	again, err := stack.ListenUDP(7001)
	if err != nil {
		t.Fatalf("relisten: %v", err)
	}
	_ = again.Close()
	if ports := stack.UDPPorts(); len(ports) != 0 {
		t.Fatalf("ports after close = %v", ports)
	}
}
