// Package afpacket attaches a netstack to a host network interface through a
// Linux AF_PACKET socket. Frames carrying ARP or IPv4 are handed to the stack;
// the kernel filters everything else before it reaches user space.
package afpacket

import "golang.org/x/net/bpf"

const (
	etherTypeOffset = 12
	etherTypeIPv4   = 0x0800
	etherTypeARP    = 0x0806
)

// frameFilter accepts whole Ethernet frames whose EtherType is IPv4 or ARP.
// Loads past the end of a runt frame make the program return 0.
var frameFilter = []bpf.Instruction{
	bpf.LoadAbsolute{Off: etherTypeOffset, Size: 2},
	bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv4, SkipTrue: 1},
	bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeARP, SkipTrue: 0, SkipFalse: 1},
	bpf.RetConstant{Val: 0xFFFFFFFF},
	bpf.RetConstant{Val: 0x0},
}
