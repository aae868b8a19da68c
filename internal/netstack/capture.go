package netstack

import (
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// captureSnapLen is the snapshot length advertised in the capture header.
// Larger frames are truncated in the capture but not on the wire.
const captureSnapLen = 65536

// OpenPacketCapture streams every inbound and outbound frame to out in
// classic pcap format (Ethernet link type).
func (ns *NetStack) OpenPacketCapture(out io.Writer) error {
	writer := pcapgo.NewWriter(out)
	if err := writer.WriteFileHeader(captureSnapLen, layers.LinkTypeEthernet); err != nil {
		return fmt.Errorf("write pcap header: %w", err)
	}

	ns.captureMu.Lock()
	ns.capture = writer
	ns.captureMu.Unlock()
	return nil
}

// ClosePacketCapture stops capturing. The writer passed to OpenPacketCapture
// is not closed.
func (ns *NetStack) ClosePacketCapture() {
	ns.captureMu.Lock()
	ns.capture = nil
	ns.captureMu.Unlock()
}

func (ns *NetStack) writePacketCapture(data []byte) {
	ns.captureMu.Lock()
	defer ns.captureMu.Unlock()

	if ns.capture == nil {
		return
	}

	captured := data
	if len(captured) > captureSnapLen {
		captured = captured[:captureSnapLen]
	}
	if err := ns.capture.WritePacket(gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(captured),
		Length:        len(data),
	}, captured); err != nil {
		ns.log.Warn("pcap: write frame failed", "err", err)
	}
}
