package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/netcore/internal/netstack"
)

const (
	clientPort = 40000
	echoPort   = 7
)

type latencyRecord struct {
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (r *latencyRecord) Add(d time.Duration) {
	r.Count++
	r.Sum += d
	if r.Min == 0 || d < r.Min {
		r.Min = d
	}
	if d > r.Max {
		r.Max = d
	}
}

func (r *latencyRecord) String() string {
	if r.Count == 0 {
		return "count=0"
	}
	return fmt.Sprintf("count=% 8d min=% 12s max=% 12s avg=% 12s",
		r.Count, r.Min, r.Max, r.Sum/time.Duration(r.Count))
}

// benchmark joins a client and an echo server stack with an in-memory link
// and measures round trips through both.
type benchmark struct {
	client *netstack.NetStack
	server *netstack.NetStack

	replies    atomic.Uint64
	replyBytes atomic.Uint64
	short      atomic.Uint64
}

func (b *benchmark) setup(logger *slog.Logger, mtu int) error {
	var err error
	b.client, err = netstack.New(logger, netstack.Config{
		IPv4: netip.AddrFrom4([4]byte{10, 42, 0, 1}),
		MTU:  mtu,
	})
	if err != nil {
		return fmt.Errorf("create client stack: %w", err)
	}
	b.server, err = netstack.New(logger, netstack.Config{
		IPv4: netip.AddrFrom4([4]byte{10, 42, 0, 2}),
		MTU:  mtu,
	})
	if err != nil {
		return fmt.Errorf("create server stack: %w", err)
	}

	var clientNIC, serverNIC *netstack.NetworkInterface
	clientNIC, err = b.client.AttachNetworkInterface(func(frame []byte) error {
		if serverNIC == nil {
			return nil
		}
		return serverNIC.DeliverFrame(frame)
	})
	if err != nil {
		return fmt.Errorf("attach client: %w", err)
	}
	serverNIC, err = b.server.AttachNetworkInterface(func(frame []byte) error {
		return clientNIC.DeliverFrame(frame)
	})
	if err != nil {
		return fmt.Errorf("attach server: %w", err)
	}

	if err := b.server.ServeUDPEcho(echoPort); err != nil {
		return err
	}
	return nil
}

func (b *benchmark) close() {
	if b.client != nil {
		b.client.Close()
	}
	if b.server != nil {
		b.server.Close()
	}
}

func (b *benchmark) run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	n := fs.Int("n", 100000, "the number of datagrams to echo")
	size := fs.Int("size", 512, "UDP payload size; larger than mtu-28 measures fragmentation on send only")
	mtu := fs.Int("mtu", netstack.DefaultMTU, "link MTU for both stacks")
	verbose := fs.Bool("v", false, "log stack activity at debug level")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("failed to parse args: %w", err)
	}

	logger := slog.New(slog.DiscardHandler)
	if *verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	if err := b.setup(logger, *mtu); err != nil {
		return err
	}
	defer b.close()

	expected := *size
	if err := b.client.OpenUDP(clientPort, func(payload []byte, _ netip.AddrPort) {
		b.replies.Add(1)
		b.replyBytes.Add(uint64(len(payload)))
		if len(payload) != expected {
			b.short.Add(1)
		}
	}); err != nil {
		return err
	}

	payload := make([]byte, *size)
	for i := range payload {
		payload[i] = byte(i)
	}
	dst := b.server.Addr()

	// Prime both ARP caches outside the measured loop.
	if err := b.client.SendUDP(payload, clientPort, dst, echoPort); err != nil {
		return fmt.Errorf("warm up: %w", err)
	}
	b.replies.Store(0)
	b.replyBytes.Store(0)
	b.short.Store(0)

	var latency latencyRecord

	pb := progressbar.Default(int64(*n))
	defer pb.Close()

	start := time.Now()
	for range *n {
		t := time.Now()
		if err := b.client.SendUDP(payload, clientPort, dst, echoPort); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		latency.Add(time.Since(t))
		pb.Add(1)
	}
	elapsed := time.Since(start)
	pb.Finish()

	replies := b.replies.Load()
	fmt.Printf("\n%d/%d replies in %s (%.0f round trips/s, %.2f MiB/s payload)\n",
		replies, *n, elapsed,
		float64(replies)/elapsed.Seconds(),
		float64(b.replyBytes.Load())/elapsed.Seconds()/(1<<20),
	)
	fmt.Printf("round trip %s\n", latency.String())

	for _, s := range []struct {
		name string
		ns   *netstack.NetStack
	}{{"client", b.client}, {"server", b.server}} {
		st := s.ns.Status()
		fmt.Printf("%-6s framesIn=%d framesOut=%d udpRx=%d udpTx=%d dropped=%d\n",
			s.name, st.FramesIn, st.FramesOut, st.UDPRxPackets, st.UDPTxPackets, st.Dropped)
	}

	if short := b.short.Load(); short != 0 {
		return fmt.Errorf("%d replies had the wrong length", short)
	}
	// The server does not reassemble, so fragmented datagrams never echo.
	if *size > *mtu-28 {
		fmt.Printf("payload fragmented on send; %d fragmented datagrams dropped by the server\n", uint64(*n)-replies)
		return nil
	}
	if replies != uint64(*n) {
		return fmt.Errorf("lost %d datagrams", uint64(*n)-replies)
	}
	return nil
}

func main() {
	b := benchmark{}

	if err := b.run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run benchmark: %v\n", err)
		os.Exit(1)
	}
}
