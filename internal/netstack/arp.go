package netstack

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/tinyrange/netcore/internal/expiry"
)

////////////////////////////////////////////////////////////////////////////////
// ARP (Address Resolution Protocol).
////////////////////////////////////////////////////////////////////////////////

func (ns *NetStack) arpInit(timeout, retry time.Duration) {
	ns.arpTable = expiry.New[[4]byte, macAddr](timeout, nil)
	ns.arpPending = expiry.New[[4]byte, []byte](retry, cloneBytes)
	ns.registerLinkProtocol(etherTypeARP, ns.handleARP)
}

// sendARPRequest broadcasts a who-has for target. Asking for our own address
// is the gratuitous announcement sent on attach.
func (ns *NetStack) sendARPRequest(target [4]byte) error {
	pkt := newPacketBuffer(ethernetHeaderLen, make([]byte, arpPacketLen))
	arpPacket{
		op:        arpOpRequest,
		senderMAC: ns.hostMAC,
		senderIP:  ns.hostIPv4,
		targetIP:  target,
	}.encode(pkt.Bytes())
	ns.stats.arpRequestsOut.Add(1)
	return ns.linkSend(pkt, macBroadcast, etherTypeARP)
}

// sendARPReply answers a request for our address, unicast to the requester.
func (ns *NetStack) sendARPReply(targetIP [4]byte, targetMAC macAddr) error {
	pkt := newPacketBuffer(ethernetHeaderLen, make([]byte, arpPacketLen))
	arpPacket{
		op:        arpOpReply,
		senderMAC: ns.hostMAC,
		senderIP:  ns.hostIPv4,
		targetMAC: targetMAC,
		targetIP:  targetIP,
	}.encode(pkt.Bytes())
	ns.stats.arpRepliesOut.Add(1)
	return ns.linkSend(pkt, targetMAC, etherTypeARP)
}

// handleARP learns the sender of every well-formed ARP packet, flushes any
// datagram waiting on that sender and answers requests for our address.
func (ns *NetStack) handleARP(payload []byte, src macAddr) {
	p, err := parseARPPacket(payload)
	if err != nil {
		ns.drop("arp", "short", "err", err)
		return
	}

	// We only speak Ethernet/IPv4.
	if p.hwType != arpHardwareEthernet ||
		p.protoType != arpProtoIPv4 ||
		p.hwSize != 6 || p.protoSize != 4 {
		ns.drop("arp", "unsupported_format",
			"hwType", p.hwType,
			"protoType", fmt.Sprintf("0x%04x", p.protoType),
		)
		return
	}
	if p.op != arpOpRequest && p.op != arpOpReply {
		ns.drop("arp", "unsupported_op", "op", p.op)
		return
	}

	// The link-layer source is authoritative for the binding.
	ns.arpTable.Set(p.senderIP, src)

	ns.arpMu.Lock()
	pending, ok := ns.arpPending.Get(p.senderIP)
	if ok {
		ns.arpPending.Delete(p.senderIP)
	}
	ns.arpMu.Unlock()

	if ok {
		ns.log.Debug("arp: flush pending datagram",
			"ip", ipString(p.senderIP),
			"mac", src.String(),
			"len", len(pending),
		)
		if err := ns.linkSend(newPacketBuffer(ethernetHeaderLen, pending), src, etherTypeIPv4); err != nil {
			ns.log.Warn("arp: flush pending datagram failed", "ip", ipString(p.senderIP), "err", err)
		}
	}

	if p.op == arpOpRequest && p.targetIP == ns.hostIPv4 {
		if err := ns.sendARPReply(p.senderIP, src); err != nil {
			ns.log.Warn("arp: send reply failed", "ip", ipString(p.senderIP), "err", err)
		}
	}
}

// arpOut transmits an IPv4 datagram to dst, resolving its hardware address
// first when needed. While a resolution is outstanding only the first
// datagram is kept; later ones are dropped.
func (ns *NetStack) arpOut(pkt *packetBuffer, dst [4]byte) error {
	if mac, ok := ns.arpTable.Get(dst); ok {
		return ns.linkSend(pkt, mac, etherTypeIPv4)
	}

	ns.arpMu.Lock()
	if _, pending := ns.arpPending.Get(dst); pending {
		ns.arpMu.Unlock()
		ns.drop("arp", "resolution_pending", "dst", ipString(dst))
		return nil
	}
	ns.arpPending.Set(dst, pkt.Bytes())
	ns.arpMu.Unlock()

	ns.log.Debug("arp: resolve", "ip", ipString(dst))
	return ns.sendARPRequest(dst)
}

////////////////////////////////////////////////////////////////////////////////
// Introspection.
////////////////////////////////////////////////////////////////////////////////

// ARPEntry is one resolved neighbour.
type ARPEntry struct {
	IP      netip.Addr
	MAC     net.HardwareAddr
	Updated time.Time
	// Expires is when the entry stops being used for resolution.
	Expires time.Time
}

// ARPTable returns the live cache entries sorted by address.
func (ns *NetStack) ARPTable() []ARPEntry {
	var out []ARPEntry
	ns.arpTable.Range(func(e expiry.Entry[[4]byte, macAddr]) bool {
		out = append(out, ARPEntry{
			IP:      netip.AddrFrom4(e.Key),
			MAC:     macFromUint64(e.Value),
			Updated: e.Updated,
			Expires: e.Expires,
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].IP.Less(out[j].IP) })
	return out
}

// LookupARP returns the cached hardware address for ip.
func (ns *NetStack) LookupARP(ip netip.Addr) (net.HardwareAddr, bool) {
	if !ip.Is4() {
		return nil, false
	}
	mac, ok := ns.arpTable.Get(ip.As4())
	if !ok {
		return nil, false
	}
	return macFromUint64(mac), true
}

// PendingARP returns the destinations with a datagram awaiting resolution.
func (ns *NetStack) PendingARP() []netip.Addr {
	var out []netip.Addr
	ns.arpPending.Range(func(e expiry.Entry[[4]byte, []byte]) bool {
		out = append(out, netip.AddrFrom4(e.Key))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// WriteARPTable prints the cache as an aligned table.
func (ns *NetStack) WriteARPTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IP\tMAC\tUPDATED")
	for _, e := range ns.ARPTable() {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.IP, e.MAC, e.Updated.Format(time.RFC3339))
	}
	return tw.Flush()
}

// SweepARP physically removes expired cache and pending entries.
func (ns *NetStack) SweepARP() {
	ns.arpTable.Sweep()
	ns.arpMu.Lock()
	ns.arpPending.Sweep()
	ns.arpMu.Unlock()
}
