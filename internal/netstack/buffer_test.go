package netstack

import (
	"bytes"
	"testing"
)

func TestPacketBufferPushPop(t *testing.T) {
	b := newPacketBuffer(4, []byte("data"))
	if b.Headroom() != 4 || b.Len() != 4 {
		t.Fatalf("headroom/len = %d/%d", b.Headroom(), b.Len())
	}

	copy(b.PushHeader(2), "hh")
	if got := string(b.Bytes()); got != "hhdata" {
		t.Fatalf("after push: %q", got)
	}

	// Pushing past the headroom reallocates without losing data.
	copy(b.PushHeader(5), "HHHHH")
	if got := string(b.Bytes()); got != "HHHHHhhdata" {
		t.Fatalf("after growing push: %q", got)
	}
	if b.Headroom() != 0 {
		t.Fatalf("headroom after growth = %d", b.Headroom())
	}

	if got := string(b.PopHeader(5)); got != "HHHHH" {
		t.Fatalf("popped %q", got)
	}
	if b.PopHeader(100) != nil {
		t.Fatalf("over-long pop returned data")
	}
}

func TestPacketBufferPopThenPushReexposes(t *testing.T) {
	frame := []byte("IPHDRudp-payload")
	b := wrapPacketBuffer(frame)
	b.PopHeader(5)
	if got := string(b.Bytes()); got != "udp-payload" {
		t.Fatalf("after pop: %q", got)
	}
	b.PushHeader(5)
	if !bytes.Equal(b.Bytes(), frame) {
		t.Fatalf("push after pop = %q", b.Bytes())
	}
}

func TestPacketBufferTruncate(t *testing.T) {
	b := wrapPacketBuffer([]byte("payload\x00\x00\x00"))
	b.Truncate(7)
	if got := string(b.Bytes()); got != "payload" {
		t.Fatalf("truncate: %q", got)
	}
	b.Truncate(100)
	if b.Len() != 7 {
		t.Fatalf("growing truncate changed length to %d", b.Len())
	}
}

func TestNewPacketBufferCopies(t *testing.T) {
	src := []byte("abc")
	b := newPacketBuffer(0, src)
	src[0] = 'X'
	if string(b.Bytes()) != "abc" {
		t.Fatalf("buffer aliases its source")
	}
}
