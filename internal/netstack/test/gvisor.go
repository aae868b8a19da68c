// Package test checks netstack against gVisor's TCP/IP stack over an
// in-memory Ethernet link.
package test

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/tinyrange/netcore/internal/netstack"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

const gvisorNICID tcpip.NICID = 1

var (
	hostIPv4 = netip.MustParseAddr("10.42.0.1")
	peerIPv4 = netip.MustParseAddr("10.42.0.2")

	hostMAC = net.HardwareAddr{0x02, 0x42, 0x00, 0x00, 0x00, 0x01}
	peerMAC = net.HardwareAddr{0x02, 0x42, 0x00, 0x00, 0x00, 0x02}
)

// gvisorHarness connects a netstack.NetStack (the host) to a gVisor stack
// (the peer). Every frame crossing the link is also copied to an observation
// channel.
type gvisorHarness struct {
	ctx    context.Context
	cancel context.CancelFunc

	ns  *netstack.NetStack
	nic *netstack.NetworkInterface

	gs *stack.Stack
	ch *channel.Endpoint

	g2h chan []byte // gVisor -> netstack
	h2g chan []byte // netstack -> gVisor
}

func addrFrom(ip netip.Addr) tcpip.Address {
	return tcpip.AddrFrom4(ip.As4())
}

func newGvisorHarness(tb testing.TB) *gvisorHarness {
	tb.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h := &gvisorHarness{
		ctx:    ctx,
		cancel: cancel,
		g2h:    make(chan []byte, 4096),
		h2g:    make(chan []byte, 4096),
	}

	// ethernet.Endpoint subtracts the link header from the channel MTU.
	h.ch = channel.New(4096, netstack.DefaultMTU+header.EthernetMinimumSize, tcpip.LinkAddress(string(peerMAC)))
	h.gs = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{udp.NewProtocol, icmp.NewProtocol4},
	})
	if err := h.gs.CreateNIC(gvisorNICID, ethernet.New(h.ch)); err != nil {
		tb.Fatalf("gvisor CreateNIC: %v", err)
	}
	if err := h.gs.AddProtocolAddress(
		gvisorNICID,
		tcpip.ProtocolAddress{
			Protocol: ipv4.ProtocolNumber,
			AddressWithPrefix: tcpip.AddressWithPrefix{
				Address:   addrFrom(peerIPv4),
				PrefixLen: 24,
			},
		},
		stack.AddressProperties{},
	); err != nil {
		tb.Fatalf("gvisor AddProtocolAddress: %v", err)
	}
	h.gs.SetRouteTable([]tcpip.Route{{
		Destination: header.IPv4EmptySubnet,
		NIC:         gvisorNICID,
	}})

	logger := slog.New(slog.DiscardHandler)
	ns, err := netstack.New(logger, netstack.Config{IPv4: hostIPv4, MAC: hostMAC})
	if err != nil {
		tb.Fatalf("new netstack: %v", err)
	}
	h.ns = ns

	// netstack -> gVisor. Injection runs gVisor's inbound path to completion
	// on this goroutine; anything it sends back is queued on h.ch.
	h.nic, err = ns.AttachNetworkInterface(func(frame []byte) error {
		out := append([]byte(nil), frame...)
		select {
		case h.h2g <- out:
		default:
			tb.Errorf("h2g observation buffer full")
		}
		pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(out),
		})
		h.ch.InjectInbound(0, pkt)
		pkt.DecRef()
		return nil
	})
	if err != nil {
		tb.Fatalf("attach network interface: %v", err)
	}

	// gVisor -> netstack.
	go func() {
		for {
			pkt := h.ch.ReadContext(h.ctx)
			if pkt == nil {
				return
			}
			out := append([]byte(nil), pkt.ToView().AsSlice()...)
			pkt.DecRef()

			select {
			case h.g2h <- out:
			default:
				tb.Errorf("g2h observation buffer full")
			}
			_ = h.nic.DeliverFrame(out)
		}
	}()

	tb.Cleanup(func() {
		h.cancel()
		h.ch.Close()
		_ = h.ns.Close()
	})
	return h
}

// awaitEtherType returns the next frame on ch carrying typ, skipping others.
func awaitEtherType(tb testing.TB, ch <-chan []byte, typ layers.EthernetType, timeout time.Duration) gopacket.Packet {
	tb.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case f := <-ch:
			pkt := gopacket.NewPacket(f, layers.LayerTypeEthernet, gopacket.Default)
			eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
			if ok && eth.EthernetType == typ {
				return pkt
			}
		case <-deadline:
			tb.Fatalf("timeout waiting for %v frame", typ)
			return nil
		}
	}
}

func gvisorUDPEndpoint(tb testing.TB, gs *stack.Stack, localPort uint16) tcpip.Endpoint {
	tb.Helper()
	var wq waiter.Queue
	ep, terr := gs.NewEndpoint(udp.ProtocolNumber, ipv4.ProtocolNumber, &wq)
	if terr != nil {
		tb.Fatalf("gvisor new udp endpoint: %v", terr)
	}
	if terr := ep.Bind(tcpip.FullAddress{
		NIC:  gvisorNICID,
		Addr: addrFrom(peerIPv4),
		Port: localPort,
	}); terr != nil {
		ep.Close()
		tb.Fatalf("gvisor udp bind: %v", terr)
	}
	tb.Cleanup(func() { ep.Close() })
	return ep
}

func gvisorWriteTo(tb testing.TB, ep tcpip.Endpoint, dst netip.Addr, dstPort uint16, payload []byte) {
	tb.Helper()
	n, terr := ep.Write(bytes.NewReader(payload), tcpip.WriteOptions{
		To: &tcpip.FullAddress{
			NIC:  gvisorNICID,
			Addr: addrFrom(dst),
			Port: dstPort,
		},
	})
	if terr != nil {
		tb.Fatalf("gvisor write: %v", terr)
	}
	if int(n) != len(payload) {
		tb.Fatalf("gvisor short write: %d != %d", n, len(payload))
	}
}

func gvisorRead(tb testing.TB, ep tcpip.Endpoint, timeout time.Duration) ([]byte, tcpip.FullAddress) {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for {
		buf := make([]byte, 64*1024)
		w := tcpip.SliceWriter(buf)
		rr, terr := ep.Read(&w, tcpip.ReadOptions{NeedRemoteAddr: true})
		if terr == nil {
			return buf[:rr.Count], rr.RemoteAddr
		}
		if _, ok := terr.(*tcpip.ErrWouldBlock); !ok {
			tb.Fatalf("gvisor read: %v", terr)
		}
		if time.Now().After(deadline) {
			tb.Fatalf("timeout waiting for gvisor read")
		}
		time.Sleep(time.Millisecond)
	}
}

// waitFor polls cond until it holds or timeout passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
	return true
}
