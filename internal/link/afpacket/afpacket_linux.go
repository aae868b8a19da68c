//go:build linux

package afpacket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/cpu"
	"golang.org/x/sys/unix"
)

// pollInterval bounds how long Serve sits in recvfrom before it rechecks
// for cancellation.
const pollInterval = 250 * time.Millisecond

// maxFrameLen covers offloaded frames larger than the interface MTU.
const maxFrameLen = 64 * 1024

// ethernetProtoAll returns unix.ETH_P_ALL in network byte order, as packet(7)
// expects in socket and bind.
func ethernetProtoAll() uint16 {
	if cpu.IsBigEndian {
		return unix.ETH_P_ALL
	}
	return unix.ETH_P_ALL << 8
}

// Conn is a raw socket bound to one interface. It is safe for concurrent use:
// WriteFrame may be called while Serve is running.
type Conn struct {
	log   *slog.Logger
	iface *net.Interface
	fd    int

	closed  atomic.Bool
	serving sync.WaitGroup
	once    sync.Once
}

// Open binds a promiscuous AF_PACKET socket to the named interface. It needs
// CAP_NET_RAW.
func Open(logger *slog.Logger, name string) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("lookup interface %q: %w", name, err)
	}

	proto := ethernetProtoAll()
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(proto))
	if err != nil {
		return nil, fmt.Errorf("create packet socket: %w", err)
	}
	c := &Conn{log: logger, iface: iface, fd: fd}

	if err := c.setup(proto); err != nil {
		unix.Close(fd)
		return nil, err
	}
	logger.Info("afpacket: bound interface",
		"iface", iface.Name,
		"index", iface.Index,
		"mac", iface.HardwareAddr.String(),
		"mtu", iface.MTU,
	)
	return c, nil
}

func (c *Conn) setup(proto uint16) error {
	prog, err := bpf.Assemble(frameFilter)
	if err != nil {
		return fmt.Errorf("assemble frame filter: %w", err)
	}
	filter := make([]unix.SockFilter, len(prog))
	for i, ins := range prog {
		filter[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	fprog := unix.SockFprog{Len: uint16(len(filter)), Filter: &filter[0]}
	if err := unix.SetsockoptSockFprog(c.fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &fprog); err != nil {
		return fmt.Errorf("attach frame filter: %w", err)
	}

	if err := unix.Bind(c.fd, &unix.SockaddrLinklayer{
		Protocol: proto,
		Ifindex:  c.iface.Index,
	}); err != nil {
		return fmt.Errorf("bind to %q: %w", c.iface.Name, err)
	}

	// The stack answers for its own MAC, which the NIC would otherwise filter.
	if err := unix.SetsockoptPacketMreq(c.fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, &unix.PacketMreq{
		Ifindex: int32(c.iface.Index),
		Type:    unix.PACKET_MR_PROMISC,
	}); err != nil {
		return fmt.Errorf("enable promiscuous mode on %q: %w", c.iface.Name, err)
	}

	tv := unix.NsecToTimeval(pollInterval.Nanoseconds())
	if err := unix.SetsockoptTimeval(c.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fmt.Errorf("set receive timeout: %w", err)
	}
	return nil
}

func (c *Conn) Name() string { return c.iface.Name }

// HardwareAddr is the interface's own MAC. The stack normally uses a
// different one.
func (c *Conn) HardwareAddr() net.HardwareAddr { return c.iface.HardwareAddr }

func (c *Conn) MTU() int { return c.iface.MTU }

// WriteFrame transmits one complete Ethernet frame. It has the signature of a
// netstack link backend.
func (c *Conn) WriteFrame(frame []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	for {
		_, err := unix.Write(c.fd, frame)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("afpacket write on %s: %w", c.iface.Name, err)
		}
		return nil
	}
}

// Serve reads frames until ctx is done or the Conn is closed, passing each
// to deliver. The buffer is reused, so deliver must not keep it. Errors from
// deliver are logged and do not stop the loop.
func (c *Conn) Serve(ctx context.Context, deliver func(frame []byte) error) error {
	c.serving.Add(1)
	defer c.serving.Done()

	buf := make([]byte, maxFrameLen)
	for {
		if c.closed.Load() {
			return net.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		n, from, err := unix.Recvfrom(c.fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("afpacket read on %s: %w", c.iface.Name, err)
		}
		// Our own transmissions are looped back to packet sockets.
		if ll, ok := from.(*unix.SockaddrLinklayer); ok && ll.Pkttype == unix.PACKET_OUTGOING {
			continue
		}
		if err := deliver(buf[:n]); err != nil {
			c.log.Debug("afpacket: deliver frame", "len", n, "err", err)
		}
	}
}

// Close stops Serve and releases the socket.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		c.serving.Wait()
		err = unix.Close(c.fd)
	})
	return err
}
