package netstack

import (
	"encoding/binary"
	"fmt"
	"net"
)

////////////////////////////////////////////////////////////////////////////////
// Interface attachment and IO glue.
////////////////////////////////////////////////////////////////////////////////

// NetworkInterface connects the stack to a frame transport: a raw socket, a
// TAP device or another stack in the same process.
type NetworkInterface struct {
	stack   *NetStack
	backend func(frame []byte) error
}

// AttachNetworkInterface binds backend as the stack's transmit path and
// broadcasts a gratuitous ARP request announcing the host address.
//
// backend is called synchronously for every outbound frame. The frame is only
// valid for the duration of the call; backends that queue must copy it.
// backend may re-enter the stack through DeliverFrame.
func (ns *NetStack) AttachNetworkInterface(backend func(frame []byte) error) (*NetworkInterface, error) {
	if backend == nil {
		return nil, fmt.Errorf("network interface backend is nil")
	}

	ns.mu.Lock()
	if ns.iface != nil {
		ns.mu.Unlock()
		return nil, fmt.Errorf("network interface already attached")
	}
	nic := &NetworkInterface{stack: ns, backend: backend}
	ns.iface = nic
	ns.mu.Unlock()

	ns.log.Info("netstack: interface attached",
		"ip", ipString(ns.hostIPv4),
		"mac", ns.hostMAC.String(),
		"mtu", ns.mtu,
	)

	if err := ns.sendARPRequest(ns.hostIPv4); err != nil {
		return nic, fmt.Errorf("announce host address: %w", err)
	}
	return nic, nil
}

// Stack returns the owning NetStack.
func (nic *NetworkInterface) Stack() *NetStack { return nic.stack }

// MAC returns the interface hardware address.
func (nic *NetworkInterface) MAC() net.HardwareAddr {
	return nic.stack.HardwareAddr()
}

// DeliverFrame hands one inbound Ethernet frame to the stack. Processing runs
// to completion before DeliverFrame returns. The stack may modify frame in
// place but does not retain it.
//
// Malformed or foreign frames are dropped silently; the returned error only
// reports frames too short to carry an Ethernet header.
func (nic *NetworkInterface) DeliverFrame(frame []byte) error {
	if len(frame) < ethernetHeaderLen {
		nic.stack.drop("ethernet", "short", "len", len(frame))
		return fmt.Errorf("frame too short: %d", len(frame))
	}
	nic.stack.writePacketCapture(frame)
	nic.stack.stats.framesIn.Add(1)
	nic.stack.handleEthernetFrame(frame)
	return nil
}

// sendFrame transmits a frame via the backend.
func (nic *NetworkInterface) sendFrame(frame []byte) error {
	nic.stack.writePacketCapture(frame)
	nic.stack.stats.framesOut.Add(1)
	return nic.backend(frame)
}

// sendFrame transmits a prebuilt Ethernet frame to the attached interface.
//
// ns.mu is released before calling the backend: an in-process backend may
// deliver frames straight back into this stack.
func (ns *NetStack) sendFrame(frame []byte) error {
	ns.mu.RLock()
	iface := ns.iface
	ns.mu.RUnlock()
	if iface == nil {
		return ErrNoInterface
	}
	return iface.sendFrame(frame)
}

// linkSend prepends an Ethernet header to pkt and transmits it.
func (ns *NetStack) linkSend(pkt *packetBuffer, dst macAddr, typ etherType) error {
	h := pkt.PushHeader(ethernetHeaderLen)
	writeMAC(h[0:6], dst)
	writeMAC(h[6:12], ns.hostMAC)
	binary.BigEndian.PutUint16(h[12:14], uint16(typ))
	return ns.sendFrame(pkt.Bytes())
}

////////////////////////////////////////////////////////////////////////////////
// Ethernet demux.
////////////////////////////////////////////////////////////////////////////////

func (ns *NetStack) registerLinkProtocol(typ etherType, h linkHandler) {
	if _, ok := ns.linkProtocols[typ]; ok {
		panic(fmt.Sprintf("netstack: duplicate handler for %s", typ))
	}
	ns.linkProtocols[typ] = h
}

func (ns *NetStack) handleEthernetFrame(frame []byte) {
	dst := readMAC(frame[0:6])
	src := readMAC(frame[6:12])
	typ := etherType(binary.BigEndian.Uint16(frame[12:14]))

	// L2 filter: broadcast and our own address only.
	if dst != macBroadcast && dst != ns.hostMAC {
		ns.drop("ethernet", "foreign_mac", "dst", dst.String())
		return
	}

	handler, ok := ns.linkProtocols[typ]
	if !ok {
		ns.drop("ethernet", "unsupported_ethertype", "type", typ.String())
		return
	}
	handler(frame[ethernetHeaderLen:], src)
}
