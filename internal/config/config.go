package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/tinyrange/netcore/internal/netstack"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFilename = "netcore.yaml"
	DefaultAddress  = "10.42.0.1/24"
)

// File is the on-disk configuration read by the netcore daemon.
type File struct {
	Version int `yaml:"version"`

	// Interface names the host interface the AF_PACKET backend binds.
	Interface string `yaml:"interface,omitempty"`

	Stack    StackConfig    `yaml:"stack"`
	Services ServicesConfig `yaml:"services,omitempty"`

	// Capture is a pcap file written with every frame in and out.
	Capture string `yaml:"capture,omitempty"`
	// DebugAddr serves /status and /metrics when set.
	DebugAddr string `yaml:"debugAddr,omitempty"`
}

type StackConfig struct {
	// Address is the host IPv4 address with an optional prefix length,
	// e.g. 10.42.0.1/24.
	Address string `yaml:"address"`
	MAC     string `yaml:"mac,omitempty"`

	MTU              int           `yaml:"mtu,omitempty"`
	TTL              uint8         `yaml:"ttl,omitempty"`
	ARPTimeout       time.Duration `yaml:"arpTimeout,omitempty"`
	ARPRetryInterval time.Duration `yaml:"arpRetryInterval,omitempty"`
}

type ServicesConfig struct {
	EchoPort uint16    `yaml:"echoPort,omitempty"`
	DNS      DNSConfig `yaml:"dns,omitempty"`
}

type DNSConfig struct {
	Enabled bool              `yaml:"enabled,omitempty"`
	Records map[string]string `yaml:"records,omitempty"`
}

func (f *File) normalize() {
	if f.Version == 0 {
		f.Version = 1
	}
	if f.Stack.Address == "" {
		f.Stack.Address = DefaultAddress
	}
	if f.Stack.MTU == 0 {
		f.Stack.MTU = netstack.DefaultMTU
	}
	if f.Stack.TTL == 0 {
		f.Stack.TTL = netstack.DefaultTTL
	}
	if f.Stack.ARPTimeout == 0 {
		f.Stack.ARPTimeout = netstack.DefaultARPTimeout
	}
	if f.Stack.ARPRetryInterval == 0 {
		f.Stack.ARPRetryInterval = netstack.DefaultARPRetryInterval
	}
}

// Default returns a normalized File with no interface or services set.
func Default() File {
	var f File
	f.normalize()
	return f
}

// Parse decodes and normalizes a YAML document. Unknown keys are an error.
func Parse(data []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty document decodes to io.EOF and means all defaults.
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, err
	}
	f.normalize()
	if f.Version != 1 {
		return File{}, fmt.Errorf("unsupported config version %d", f.Version)
	}
	return f, nil
}

// Load reads the configuration at path.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}

// Write stores f at path as YAML, creating parent directories.
func Write(path string, f File) error {
	f.normalize()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer out.Close()

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(&f); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// StackConfig converts the stack section into a netstack.Config. The result
// is validated again by netstack.New.
func (f File) StackConfig() (netstack.Config, error) {
	cfg := netstack.Config{
		MTU:              f.Stack.MTU,
		TTL:              f.Stack.TTL,
		ARPTimeout:       f.Stack.ARPTimeout,
		ARPRetryInterval: f.Stack.ARPRetryInterval,
	}

	addr, bits, err := parseAddress(f.Stack.Address)
	if err != nil {
		return netstack.Config{}, fmt.Errorf("stack.address: %w", err)
	}
	cfg.IPv4 = addr
	cfg.PrefixLen = bits

	if f.Stack.MAC != "" {
		mac, err := net.ParseMAC(f.Stack.MAC)
		if err != nil {
			return netstack.Config{}, fmt.Errorf("stack.mac: %w", err)
		}
		if len(mac) != 6 {
			return netstack.Config{}, fmt.Errorf("stack.mac: %s is not a 48-bit address", f.Stack.MAC)
		}
		cfg.MAC = mac
	}
	return cfg, nil
}

// DNSRecords parses the services.dns.records table.
func (f File) DNSRecords() (map[string]netip.Addr, error) {
	records := make(map[string]netip.Addr, len(f.Services.DNS.Records))
	for name, value := range f.Services.DNS.Records {
		addr, err := netip.ParseAddr(value)
		if err != nil {
			return nil, fmt.Errorf("services.dns.records[%s]: %w", name, err)
		}
		if !addr.Is4() {
			return nil, fmt.Errorf("services.dns.records[%s]: %s is not IPv4", name, value)
		}
		records[name] = addr
	}
	return records, nil
}

func parseAddress(s string) (netip.Addr, int, error) {
	if prefix, err := netip.ParsePrefix(s); err == nil {
		if !prefix.Addr().Is4() {
			return netip.Addr{}, 0, fmt.Errorf("%s is not IPv4", s)
		}
		if prefix.Bits() == 0 {
			return netip.Addr{}, 0, fmt.Errorf("%s: zero prefix length", s)
		}
		return prefix.Addr(), prefix.Bits(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, 0, err
	}
	if !addr.Is4() {
		return netip.Addr{}, 0, fmt.Errorf("%s is not IPv4", s)
	}
	return addr, 0, nil
}
