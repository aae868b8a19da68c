package netstack

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"
)

// udpTimeoutError conveys a timeout via net.Error.
type udpTimeoutError struct{}

func (udpTimeoutError) Error() string   { return "timeout" }
func (udpTimeoutError) Timeout() bool   { return true }
func (udpTimeoutError) Temporary() bool { return true }

type udpPacket struct {
	payload []byte
	from    netip.AddrPort
}

// udpQueueLen bounds the datagrams buffered per socket; the rest are dropped.
const udpQueueLen = 64

// UDPConn is a net.PacketConn bound to one port of a NetStack. Inbound
// datagrams are queued; ReadFrom drains the queue.
type UDPConn struct {
	stack    *NetStack
	port     uint16
	incoming chan udpPacket
	done     chan struct{}

	closeOnce sync.Once

	mu        sync.Mutex
	readDead  time.Time
	writeDead time.Time
	// readWake is closed and replaced whenever the read deadline changes.
	readWake chan struct{}
}

var _ net.PacketConn = (*UDPConn)(nil)

// ListenUDP binds port and returns a socket for it. It fails if the port is
// already bound.
func (ns *NetStack) ListenUDP(port uint16) (*UDPConn, error) {
	c := &UDPConn{
		stack:    ns,
		port:     port,
		incoming: make(chan udpPacket, udpQueueLen),
		done:     make(chan struct{}),
		readWake: make(chan struct{}),
	}
	if err := ns.bindUDPConn(c); err != nil {
		return nil, err
	}
	return c, nil
}

// enqueue runs on the delivering goroutine and must not block.
func (c *UDPConn) enqueue(payload []byte, from netip.AddrPort) {
	pkt := udpPacket{payload: cloneBytes(payload), from: from}
	select {
	case <-c.done:
	case c.incoming <- pkt:
	default:
		c.stack.drop("udp", "socket_queue_full", "port", c.port)
	}
}

// ReadFrom waits for the next queued datagram. Changing the read deadline
// wakes a blocked call so the new deadline takes effect.
func (c *UDPConn) ReadFrom(b []byte) (int, net.Addr, error) {
	for {
		select {
		case <-c.done:
			return 0, nil, net.ErrClosed
		default:
		}

		c.mu.Lock()
		deadline := c.readDead
		wake := c.readWake
		c.mu.Unlock()

		var timer *time.Timer
		var timeout <-chan time.Time
		if !deadline.IsZero() {
			until := time.Until(deadline)
			if until <= 0 {
				return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: udpTimeoutError{}}
			}
			timer = time.NewTimer(until)
			timeout = timer.C
		}

		select {
		case pkt := <-c.incoming:
			stopTimer(timer)
			n := copy(b, pkt.payload)
			return n, net.UDPAddrFromAddrPort(pkt.from), nil
		case <-c.done:
			stopTimer(timer)
			return 0, nil, net.ErrClosed
		case <-timeout:
			return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: udpTimeoutError{}}
		case <-wake:
			stopTimer(timer)
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (c *UDPConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, &net.OpError{Op: "write", Net: "udp", Err: errors.New("unexpected addr type")}
	}
	select {
	case <-c.done:
		return 0, net.ErrClosed
	default:
	}

	c.mu.Lock()
	dead := c.writeDead
	c.mu.Unlock()
	if !dead.IsZero() && time.Now().After(dead) {
		return 0, &net.OpError{Op: "write", Net: "udp", Err: udpTimeoutError{}}
	}

	dst := udpAddr.AddrPort()
	if err := c.stack.SendUDP(b, c.port, dst.Addr(), dst.Port()); err != nil {
		return 0, &net.OpError{Op: "write", Net: "udp", Addr: udpAddr, Err: err}
	}
	return len(b), nil
}

// Close unbinds the port unless OpenUDP has since taken it over. Pending
// datagrams are discarded.
func (c *UDPConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.stack.unbindUDPConn(c)
	})
	return nil
}

func (c *UDPConn) LocalAddr() net.Addr {
	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(c.stack.Addr(), c.port))
}

func (c *UDPConn) SetDeadline(t time.Time) error {
	c.SetReadDeadline(t)
	c.SetWriteDeadline(t)
	return nil
}

func (c *UDPConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDead = t
	close(c.readWake)
	c.readWake = make(chan struct{})
	c.mu.Unlock()
	return nil
}

func (c *UDPConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDead = t
	c.mu.Unlock()
	return nil
}
