// Command netcore runs the user-space stack on a host interface through an
// AF_PACKET socket, answering ARP and ping for its address and serving the
// configured UDP services.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tinyrange/netcore/internal/config"
	"github.com/tinyrange/netcore/internal/link/afpacket"
	"github.com/tinyrange/netcore/internal/netstack"
	"golang.org/x/term"
)

type options struct {
	configPath  string
	iface       string
	addr        string
	mac         string
	mtu         int
	echoPort    uint
	dns         bool
	pcap        string
	debugAddr   string
	debug       bool
	writeConfig string
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// loadConfig reads the explicit -config path, or netcore.yaml in the working
// directory when it exists.
func loadConfig(path string) (config.File, error) {
	if path != "" {
		return config.Load(path)
	}
	f, err := config.Load(config.DefaultFilename)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return f, err
}

// applyFlags overrides the file with flags given on the command line.
func applyFlags(fset *flag.FlagSet, o *options, f *config.File) {
	fset.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "iface":
			f.Interface = o.iface
		case "addr":
			f.Stack.Address = o.addr
		case "mac":
			f.Stack.MAC = o.mac
		case "mtu":
			f.Stack.MTU = o.mtu
		case "echo":
			f.Services.EchoPort = uint16(o.echoPort)
		case "dns":
			f.Services.DNS.Enabled = o.dns
		case "pcap":
			f.Capture = o.pcap
		case "debug-addr":
			f.DebugAddr = o.debugAddr
		}
	})
}

func run() error {
	fset := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	var o options
	fset.StringVar(&o.configPath, "config", "", "YAML configuration file (default ./"+config.DefaultFilename+" if present)")
	fset.StringVar(&o.iface, "iface", "", "host interface to attach to")
	fset.StringVar(&o.addr, "addr", "", "stack IPv4 address with optional prefix, e.g. "+config.DefaultAddress)
	fset.StringVar(&o.mac, "mac", "", "stack hardware address (random if empty)")
	fset.IntVar(&o.mtu, "mtu", 0, "link MTU")
	fset.UintVar(&o.echoPort, "echo", 0, "serve UDP echo on this port")
	fset.BoolVar(&o.dns, "dns", false, "serve DNS on port 53 from the configured records")
	fset.StringVar(&o.pcap, "pcap", "", "write a pcap of every frame to this file")
	fset.StringVar(&o.debugAddr, "debug-addr", "", "serve /status and /metrics on this address")
	fset.BoolVar(&o.debug, "debug", false, "enable debug logging")
	fset.StringVar(&o.writeConfig, "write-config", "", "write the effective configuration to this file and exit")

	if err := fset.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("failed to parse args: %w", err)
	}
	if o.echoPort > 0xFFFF {
		return fmt.Errorf("echo port %d out of range", o.echoPort)
	}

	logger := newLogger(o.debug)
	slog.SetDefault(logger)

	file, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	applyFlags(fset, &o, &file)

	if o.writeConfig != "" {
		if err := config.Write(o.writeConfig, file); err != nil {
			return err
		}
		logger.Info("configuration written", "path", o.writeConfig)
		return nil
	}

	if file.Interface == "" {
		fset.Usage()
		return fmt.Errorf("no interface given")
	}

	stackCfg, err := file.StackConfig()
	if err != nil {
		return err
	}
	records, err := file.DNSRecords()
	if err != nil {
		return err
	}

	conn, err := afpacket.Open(logger, file.Interface)
	if err != nil {
		return err
	}
	defer conn.Close()

	if m := conn.MTU(); m > 0 && stackCfg.MTU > m {
		logger.Info("clamping mtu to interface", "configured", stackCfg.MTU, "iface", m)
		stackCfg.MTU = m
	}

	ns, err := netstack.New(logger, stackCfg)
	if err != nil {
		return err
	}
	defer ns.Close()

	if file.Capture != "" {
		out, err := os.Create(file.Capture)
		if err != nil {
			return fmt.Errorf("create capture file: %w", err)
		}
		defer out.Close()
		if err := ns.OpenPacketCapture(out); err != nil {
			return err
		}
		defer ns.ClosePacketCapture()
	}

	nic, err := ns.AttachNetworkInterface(conn.WriteFrame)
	if err != nil {
		// The stack is attached even when the announcement failed.
		if nic == nil {
			return err
		}
		logger.Warn("gratuitous ARP failed", "error", err)
	}

	if port := file.Services.EchoPort; port != 0 {
		if err := ns.ServeUDPEcho(port); err != nil {
			return err
		}
		logger.Info("udp echo listening", "port", port)
	}

	if file.Services.DNS.Enabled {
		for name, addr := range records {
			if !ns.OnLink(addr) {
				logger.Info("dns record is not on-link", "name", name, "addr", addr)
			}
		}
		if err := ns.StartDNSServer(records); err != nil {
			return err
		}
		logger.Info("dns listening", "port", netstack.DNSPort, "records", len(records))
	}

	if file.DebugAddr != "" {
		if err := ns.EnableDebugHTTP(file.DebugAddr); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sweep(ctx, ns, stackCfg.ARPRetryInterval)

	logger.Info("netcore running",
		"iface", conn.Name(),
		"addr", ns.Addr(),
		"mac", ns.HardwareAddr().String(),
		"mtu", ns.MTU(),
	)

	err = conn.Serve(ctx, nic.DeliverFrame)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	status := ns.Status()
	logger.Info("netcore stopping",
		"framesIn", status.FramesIn,
		"framesOut", status.FramesOut,
		"dropped", status.Dropped,
	)
	if werr := ns.WriteARPTable(os.Stderr); werr != nil {
		logger.Warn("write arp table", "error", werr)
	}
	return err
}

// sweep reclaims expired ARP state on an otherwise idle link.
func sweep(ctx context.Context, ns *netstack.NetStack, interval time.Duration) {
	if interval <= 0 {
		interval = netstack.DefaultARPRetryInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ns.SweepARP()
		}
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "netcore: %v\n", err)
		os.Exit(1)
	}
}
