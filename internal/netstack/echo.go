package netstack

import "net/netip"

// ServeUDPEcho binds port and sends every datagram it receives straight back
// to its source (RFC 862). The reply goes out before the inbound frame
// finishes processing.
func (ns *NetStack) ServeUDPEcho(port uint16) error {
	return ns.OpenUDP(port, func(payload []byte, from netip.AddrPort) {
		if err := ns.SendUDP(payload, port, from.Addr(), from.Port()); err != nil {
			ns.log.Warn("echo: reply failed", "to", from.String(), "err", err)
		}
	})
}
