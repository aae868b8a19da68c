package netstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

////////////////////////////////////////////////////////////////////////////////
// DNS responder served over the stack's own UDP.
////////////////////////////////////////////////////////////////////////////////

// DNSPort is the port StartDNSServer binds.
const DNSPort = 53

const dnsTTL = 60

type dnsServer struct {
	log    *slog.Logger
	server *dns.Server
	conn   *UDPConn
	done   chan struct{}

	mu      sync.RWMutex
	records map[string]netip.Addr
}

func newDNSServer(logger *slog.Logger, records map[string]netip.Addr, conn *UDPConn) *dnsServer {
	srv := &dnsServer{
		log:     logger,
		conn:    conn,
		done:    make(chan struct{}),
		records: make(map[string]netip.Addr, len(records)),
	}
	for name, addr := range records {
		srv.records[canonicalName(name)] = addr
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", srv.handleDNSRequest)

	srv.server = &dns.Server{
		Net:        "udp",
		Handler:    mux,
		PacketConn: conn,
	}
	return srv
}

func canonicalName(name string) string {
	return dns.Fqdn(strings.ToLower(name))
}

func (s *dnsServer) start() {
	go func() {
		defer close(s.done)
		if err := s.server.ActivateAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Error("dns: server exited", "err", err)
		}
	}()
}

func (s *dnsServer) lookup(name string) (netip.Addr, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.records[canonicalName(name)]
	return addr, ok
}

func (s *dnsServer) setRecord(name string, addr netip.Addr) {
	s.mu.Lock()
	s.records[canonicalName(name)] = addr
	s.mu.Unlock()
}

// StartDNSServer binds UDP port 53 and answers A queries from records.
// Unknown names get NXDOMAIN.
func (ns *NetStack) StartDNSServer(records map[string]netip.Addr) error {
	ns.dnsMu.Lock()
	defer ns.dnsMu.Unlock()

	if ns.dnsServer != nil {
		return nil
	}
	for name, addr := range records {
		if !addr.Is4() {
			return fmt.Errorf("dns record %q: %w", name, ErrNotIPv4)
		}
	}

	conn, err := ns.ListenUDP(DNSPort)
	if err != nil {
		return fmt.Errorf("listen udp port %d: %w", DNSPort, err)
	}

	srv := newDNSServer(ns.log, records, conn)
	ns.dnsServer = srv
	srv.start()
	ns.log.Info("dns: serving", "addr", ns.Addr().String(), "records", len(records))
	return nil
}

// SetDNSRecord adds or replaces one A record on the running responder.
func (ns *NetStack) SetDNSRecord(name string, addr netip.Addr) error {
	if !addr.Is4() {
		return fmt.Errorf("dns record %q: %w", name, ErrNotIPv4)
	}
	ns.dnsMu.Lock()
	defer ns.dnsMu.Unlock()
	if ns.dnsServer == nil {
		return errors.New("dns server not running")
	}
	ns.dnsServer.setRecord(name, addr)
	return nil
}

// StopDNSServer shuts the responder down and unbinds its port.
func (ns *NetStack) StopDNSServer() {
	ns.dnsMu.Lock()
	srv := ns.dnsServer
	ns.dnsServer = nil
	ns.dnsMu.Unlock()

	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = srv.server.ShutdownContext(ctx)
	_ = srv.conn.Close()
	<-srv.done
}

func (s *dnsServer) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	for _, q := range r.Question {
		addr, ok := s.lookup(q.Name)
		if !ok {
			s.log.Debug("dns: unknown name", "name", q.Name)
			m.SetRcode(r, dns.RcodeNameError)
			continue
		}
		if q.Qtype != dns.TypeA {
			// Known name, no record of this type.
			continue
		}
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   q.Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    dnsTTL,
			},
			A: net.IP(addr.AsSlice()),
		})
	}

	if err := w.WriteMsg(m); err != nil {
		s.log.Debug("dns: write response", "err", err)
	}
}
