package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"p4switch/tunnel"
	"p4switch/util"
)

// BastionDialer routes registry connections through an SSH bastion.
// The bastion is connected lazily on the first Dial and reconnected if
// it has dropped since.
type BastionDialer struct {
	tunnel forwarder
	config *tunnel.BastionConfig
	logger *util.Logger
	mu     sync.Mutex
	dials  int
}

// NewBastionDialer creates a dialer that forwards through the bastion
// described by cfg. Nothing is dialed until the first Dial.
func NewBastionDialer(cfg *tunnel.BastionConfig, logger *util.Logger) *BastionDialer {
	return &BastionDialer{
		tunnel: tunnel.NewBastion(cfg, logger),
		config: cfg,
		logger: logger.With("bastion"),
	}
}

func (d *BastionDialer) connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.tunnel.IsAlive() {
		return nil
	}

	if d.dials > 0 {
		d.logger.Warn("bastion %s dropped, reconnecting", d.config.Addr())
	}
	d.logger.Verbose("opening %s@%s for the registry", d.config.User, d.config.Addr())
	if err := d.tunnel.Connect(ctx); err != nil {
		return fmt.Errorf("bastion: %w", err)
	}
	d.dials++
	return nil
}

// Dial connects to address through the bastion.
func (d *BastionDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if err := d.connect(ctx); err != nil {
		return nil, err
	}
	conn, err := d.tunnel.Dial(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("bastion %s: forward to %s: %w", d.config.Addr(), address, err)
	}
	return conn, nil
}

// Close tears down the bastion connection.
func (d *BastionDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tunnel.Close()
}
