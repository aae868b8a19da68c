//go:build !linux

package afpacket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
)

// Conn is unavailable outside Linux.
type Conn struct{}

func Open(_ *slog.Logger, name string) (*Conn, error) {
	return nil, fmt.Errorf("open %q: AF_PACKET: %w", name, errors.ErrUnsupported)
}

func (c *Conn) Name() string                   { return "" }
func (c *Conn) HardwareAddr() net.HardwareAddr { return nil }
func (c *Conn) MTU() int                       { return 0 }

func (c *Conn) WriteFrame([]byte) error { return errors.ErrUnsupported }

func (c *Conn) Serve(context.Context, func([]byte) error) error { return errors.ErrUnsupported }

func (c *Conn) Close() error { return nil }
