// Package transport decides how the switch reaches its registry:
// directly over TCP, or forwarded through an SSH bastion.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound connections to the registry. Dial matches
// go-redis Options.Dialer.
type Dialer interface {
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases the bastion session, if any.
	Close() error
}

// forwarder is the part of tunnel.Bastion the bastion dialer needs.
type forwarder interface {
	Connect(ctx context.Context) error
	Dial(ctx context.Context, network, address string) (net.Conn, error)
	Close() error
	IsAlive() bool
}
