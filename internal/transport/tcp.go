package transport

import (
	"context"
	"net"
	"time"

	"p4switch/util"
)

// TCPDialer reaches the registry directly.
type TCPDialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
	Logger    *util.Logger
}

// Dial connects to address over TCP.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if d.Logger != nil {
		d.Logger.Debug("registry connection %s -> %s", conn.LocalAddr(), address)
	}
	return conn, nil
}

// Close is a no-op.
func (d *TCPDialer) Close() error { return nil }
