package netstack

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

////////////////////////////////////////////////////////////////////////////////
// Debug HTTP endpoint providing JSON status and Prometheus metrics.
////////////////////////////////////////////////////////////////////////////////

// EnableDebugHTTP starts a small debug server exposing internal state at
// /status and counters at /metrics.
func (ns *NetStack) EnableDebugHTTP(addr string) error {
	if addr == "" {
		return nil
	}

	ns.debugMu.Lock()
	defer ns.debugMu.Unlock()

	if ns.debugSrv != nil {
		return fmt.Errorf("debug http already enabled at %s", ns.debugAddr)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen debug http: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", ns.handleDebugStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(ns.stats.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ns.debugSrv = srv
	ns.debugListener = ln
	ns.debugAddr = ln.Addr().String()

	ns.debugWG.Go(func() {
		if err := srv.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) &&
			!errors.Is(err, net.ErrClosed) {
			ns.log.Warn("debug: http serve", "err", err)
		}
	})

	ns.log.Info("debug: http listening", "addr", ns.debugAddr)
	return nil
}

// DebugHTTPAddr returns the bound address of the debug HTTP server.
func (ns *NetStack) DebugHTTPAddr() string {
	ns.debugMu.Lock()
	defer ns.debugMu.Unlock()
	return ns.debugAddr
}

func (ns *NetStack) handleDebugStatus(w http.ResponseWriter, r *http.Request) {
	status := ns.Status()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		ns.log.Warn("debug: status encode", "err", err)
	}
}

// ARPStatus is one ARP cache row in Status.
type ARPStatus struct {
	IP      string    `json:"ip"`
	MAC     string    `json:"mac"`
	Updated time.Time `json:"updated"`
}

// Status is the JSON structure exposed at /status.
type Status struct {
	HostIPv4     string      `json:"hostIPv4"`
	HostMAC      string      `json:"hostMAC"`
	MTU          int         `json:"mtu"`
	Interfaces   int         `json:"interfaces"`
	ARPTable     []ARPStatus `json:"arpTable"`
	PendingARP   []string    `json:"pendingARP"`
	UDPPorts     []uint16    `json:"udpPorts"`
	DebugAddr    string      `json:"debugAddr"`
	FramesIn     uint64      `json:"framesIn"`
	FramesOut    uint64      `json:"framesOut"`
	UDPRxPackets uint64      `json:"udpRxPackets"`
	UDPTxPackets uint64      `json:"udpTxPackets"`
	Dropped      uint64      `json:"dropped"`
}

// Status snapshots the stack's tables and counters.
func (ns *NetStack) Status() Status {
	status := Status{
		HostIPv4:     ipString(ns.hostIPv4),
		HostMAC:      ns.hostMAC.String(),
		MTU:          ns.mtu,
		ARPTable:     []ARPStatus{},
		PendingARP:   []string{},
		UDPPorts:     ns.UDPPorts(),
		DebugAddr:    ns.DebugHTTPAddr(),
		FramesIn:     ns.stats.framesIn.Load(),
		FramesOut:    ns.stats.framesOut.Load(),
		UDPRxPackets: ns.stats.udpIn.Load(),
		UDPTxPackets: ns.stats.udpOut.Load(),
		Dropped:      ns.stats.droppedTotal.Load(),
	}

	ns.mu.RLock()
	if ns.iface != nil {
		status.Interfaces = 1
	}
	ns.mu.RUnlock()

	for _, e := range ns.ARPTable() {
		status.ARPTable = append(status.ARPTable, ARPStatus{
			IP:      e.IP.String(),
			MAC:     e.MAC.String(),
			Updated: e.Updated,
		})
	}
	for _, ip := range ns.PendingARP() {
		status.PendingARP = append(status.PendingARP, ip.String())
	}
	if status.UDPPorts == nil {
		status.UDPPorts = []uint16{}
	}
	return status
}
