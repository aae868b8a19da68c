// Package netstack implements a small user-space IPv4 network layer on top of
// raw Ethernet frames.
//
// The goals are:
//   - Exact wire behaviour for ARP, IPv4, ICMP and UDP: byte layouts, checksum
//     arithmetic and the silent-drop policy of real stacks.
//   - Run-to-completion processing: every inbound frame and every outbound
//     send is handled entirely on the caller's goroutine. Nothing blocks.
//
// Notes and limitations:
//   - No IPv6, TCP, routing or DHCP.
//   - Outbound datagrams larger than the MTU are fragmented, but inbound
//     fragments are never reassembled. A fragment is handed to the transport
//     layer as if it were a whole datagram and is normally discarded there.
//   - At most one datagram is queued per unresolved destination. A second
//     send to a destination whose ARP request is still outstanding is dropped.
package netstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/pcapgo"

	"github.com/tinyrange/netcore/internal/expiry"
)

////////////////////////////////////////////////////////////////////////////////
// Top-level constants and protocol numbers.
////////////////////////////////////////////////////////////////////////////////

type etherType uint16

// EtherTypes we care about.
const (
	etherTypeIPv4 etherType = 0x0800
	etherTypeARP  etherType = 0x0806
)

func (e etherType) String() string {
	switch e {
	case etherTypeIPv4:
		return "ipv4"
	case etherTypeARP:
		return "arp"
	}
	return fmt.Sprintf("unknown ether type 0x%04x", uint16(e))
}

type protocolNumber uint8

// Protocol numbers for IPv4's Protocol field.
const (
	icmpProtocolNumber protocolNumber = 1
	udpProtocolNumber  protocolNumber = 17
)

func (p protocolNumber) String() string {
	switch p {
	case icmpProtocolNumber:
		return "icmp"
	case udpProtocolNumber:
		return "udp"
	}
	return fmt.Sprintf("unknown protocol 0x%02x", uint8(p))
}

// Header sizes (bytes).
const (
	ethernetHeaderLen = 14
	arpPacketLen      = 28
	ipv4HeaderLen     = 20
	icmpHeaderLen     = 8
	udpHeaderLen      = 8

	// outboundHeadroom is reserved in front of every locally built payload
	// so each layer can prepend its header without copying.
	outboundHeadroom = ethernetHeaderLen + ipv4HeaderLen + udpHeaderLen

	maxIPv4DatagramLen = 0xffff
	maxIPv4PayloadLen  = maxIPv4DatagramLen - ipv4HeaderLen
	maxUDPPayloadLen   = maxIPv4PayloadLen - udpHeaderLen
)

////////////////////////////////////////////////////////////////////////////////
// Configuration and defaults.
////////////////////////////////////////////////////////////////////////////////

const (
	DefaultMTU              = 1500
	DefaultTTL              = 64
	DefaultARPTimeout       = 60 * time.Second
	DefaultARPRetryInterval = time.Second
)

var defaultHostIPv4 = netip.AddrFrom4([4]byte{10, 42, 0, 1})

var (
	ErrNoInterface     = errors.New("netstack: no network interface attached")
	ErrPayloadTooLarge = errors.New("netstack: payload too large")
	ErrInvalidPort     = errors.New("netstack: invalid port")
	ErrNotIPv4         = errors.New("netstack: address is not IPv4")
)

// Config describes the single interface the stack owns.
type Config struct {
	// IPv4 is the host address. Defaults to 10.42.0.1.
	IPv4 netip.Addr
	// PrefixLen is the on-link prefix length used by OnLink. Defaults to 24.
	PrefixLen int
	// MAC is the host hardware address. A random locally administered
	// address is generated when nil.
	MAC net.HardwareAddr
	// MTU is the largest IPv4 datagram the link carries. Defaults to 1500.
	MTU int
	// TTL is written into every outbound datagram. Defaults to 64.
	TTL uint8
	// ARPTimeout is the lifetime of a resolved ARP cache entry.
	ARPTimeout time.Duration
	// ARPRetryInterval is how long a datagram waits for resolution. It also
	// bounds how often a request is repeated for one destination.
	ARPRetryInterval time.Duration
}

// DefaultConfig returns the configuration used when New is given a zero Config.
func DefaultConfig() Config {
	return Config{
		IPv4:             defaultHostIPv4,
		PrefixLen:        24,
		MTU:              DefaultMTU,
		TTL:              DefaultTTL,
		ARPTimeout:       DefaultARPTimeout,
		ARPRetryInterval: DefaultARPRetryInterval,
	}
}

func (c *Config) normalize() error {
	def := DefaultConfig()
	if !c.IPv4.IsValid() {
		c.IPv4 = def.IPv4
	}
	if !c.IPv4.Is4() {
		return fmt.Errorf("host address %s: %w", c.IPv4, ErrNotIPv4)
	}
	if c.PrefixLen == 0 {
		c.PrefixLen = def.PrefixLen
	}
	if c.PrefixLen < 0 || c.PrefixLen > 32 {
		return fmt.Errorf("invalid prefix length %d", c.PrefixLen)
	}
	if c.MTU == 0 {
		c.MTU = def.MTU
	}
	// 68 is the IPv4 minimum (RFC 791); anything smaller cannot carry a
	// fragment of 8 bytes behind a full header with options.
	if c.MTU < 68 || c.MTU > maxIPv4DatagramLen {
		return fmt.Errorf("invalid mtu %d", c.MTU)
	}
	if c.TTL == 0 {
		c.TTL = def.TTL
	}
	if c.ARPTimeout <= 0 {
		c.ARPTimeout = def.ARPTimeout
	}
	if c.ARPRetryInterval <= 0 {
		c.ARPRetryInterval = def.ARPRetryInterval
	}
	if c.MAC != nil && len(c.MAC) != 6 {
		return fmt.Errorf("invalid MAC address length: %d", len(c.MAC))
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// NetStack: central struct tying together the link, ARP, IPv4 and transport.
////////////////////////////////////////////////////////////////////////////////

type (
	linkHandler func(payload []byte, src macAddr)
	ipHandler   func(pkt *packetBuffer, hdr ipv4Header)
)

// UDPHandler receives the payload of a datagram addressed to a bound port.
// The payload is only valid for the duration of the call.
type UDPHandler func(payload []byte, from netip.AddrPort)

// NetStack is one host: a single interface with one IPv4 address.
type NetStack struct {
	log *slog.Logger

	hostIPv4  [4]byte
	hostMAC   macAddr
	prefixLen int
	mtu       int
	ttl       uint8

	// Wire interface and optional packet capture.
	mu        sync.RWMutex
	iface     *NetworkInterface
	captureMu sync.Mutex
	capture   *pcapgo.Writer

	// Registries are written during New only.
	linkProtocols map[etherType]linkHandler
	ipProtocols   map[protocolNumber]ipHandler

	// ARP state. arpMu serialises the pending check-and-insert; it is never
	// held across a link send.
	arpMu      sync.Mutex
	arpTable   *expiry.Map[[4]byte, macAddr]
	arpPending *expiry.Map[[4]byte, []byte]

	// IPv4 identification counter, one value per datagram.
	ipID atomic.Uint32

	// UDP state.
	udpMu    sync.Mutex
	udpTable *expiry.Map[uint16, UDPHandler]
	udpConns map[uint16]*UDPConn // ports held by ListenUDP

	// Embedded DNS responder (optional).
	dnsMu     sync.Mutex
	dnsServer *dnsServer

	// Debug HTTP server.
	debugMu       sync.Mutex
	debugSrv      *http.Server
	debugListener net.Listener
	debugWG       sync.WaitGroup
	debugAddr     string

	stats *metrics

	closeOnce sync.Once
}

// New constructs a NetStack and registers the ARP, IPv4, ICMP and UDP
// handlers. Frames flow once an interface is attached.
func New(l *slog.Logger, cfg Config) (*NetStack, error) {
	if l == nil {
		l = slog.Default()
	}
	if err := cfg.normalize(); err != nil {
		return nil, fmt.Errorf("netstack config: %w", err)
	}

	hostMAC := cfg.MAC
	if hostMAC == nil {
		var err error
		hostMAC, err = randomMAC()
		if err != nil {
			return nil, fmt.Errorf("generate host mac: %w", err)
		}
	}
	mac, _ := macToUint64(hostMAC)

	ns := &NetStack{
		log:           l,
		hostIPv4:      cfg.IPv4.As4(),
		hostMAC:       mac,
		prefixLen:     cfg.PrefixLen,
		mtu:           cfg.MTU,
		ttl:           cfg.TTL,
		linkProtocols: make(map[etherType]linkHandler),
		ipProtocols:   make(map[protocolNumber]ipHandler),
	}
	ns.stats = newMetrics(ns)

	ns.ipInit()
	ns.icmpInit()
	ns.udpInit()
	ns.arpInit(cfg.ARPTimeout, cfg.ARPRetryInterval)
	return ns, nil
}

// Addr returns the host IPv4 address.
func (ns *NetStack) Addr() netip.Addr {
	return netip.AddrFrom4(ns.hostIPv4)
}

// HardwareAddr returns the host MAC address.
func (ns *NetStack) HardwareAddr() net.HardwareAddr {
	return macFromUint64(ns.hostMAC)
}

// MTU returns the link MTU.
func (ns *NetStack) MTU() int { return ns.mtu }

// OnLink reports whether addr shares the host's on-link prefix.
func (ns *NetStack) OnLink(addr netip.Addr) bool {
	if !addr.Is4() {
		return false
	}
	return PrefixMatch(ns.hostIPv4, addr.As4()) >= ns.prefixLen
}

// Close tears down the DNS responder, the debug server, the interface and
// every table. It is best-effort and idempotent.
func (ns *NetStack) Close() error {
	ns.closeOnce.Do(func() {
		ns.StopDNSServer()

		ns.debugMu.Lock()
		srv := ns.debugSrv
		ln := ns.debugListener
		ns.debugSrv = nil
		ns.debugListener = nil
		ns.debugAddr = ""
		ns.debugMu.Unlock()

		if ln != nil {
			_ = ln.Close()
		}
		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := srv.Shutdown(ctx); err != nil &&
				!errors.Is(err, http.ErrServerClosed) {
				ns.log.Error("netstack: debug http shutdown", "err", err)
			}
			cancel()
		}
		ns.debugWG.Wait()

		ns.mu.Lock()
		ns.iface = nil
		ns.mu.Unlock()

		ns.captureMu.Lock()
		ns.capture = nil
		ns.captureMu.Unlock()

		ns.arpTable.Clear()
		ns.arpPending.Clear()
		ns.udpMu.Lock()
		ns.udpTable.Clear()
		clear(ns.udpConns)
		ns.udpMu.Unlock()
	})
	return nil
}

// drop records a silently discarded packet.
func (ns *NetStack) drop(layer, reason string, attrs ...any) {
	ns.stats.dropped.WithLabelValues(layer, reason).Inc()
	ns.stats.droppedTotal.Add(1)
	ns.log.Debug("netstack: drop", append([]any{"layer", layer, "reason", reason}, attrs...)...)
}

func cloneBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}
