// Package registry records datapaths in the central switch registry
// and keeps this process's registration consistent on shutdown.
//
// A Store is one connection to a registry backend: Redis by default,
// or a SQLite file for single-host labs. The Adapter layers the
// switch's policy on top: registration is fatal on conflict, mirroring
// after startup is advisory, and deregistration happens once, only for
// a registration this process created.
package registry

import (
	"context"
)

// Datapath is the registry's view of one switch instance.
type Datapath struct {
	Name     string
	DPID     uint64
	Listener string
	Ports    map[uint16]string
}

// Store is a connection to a registry backend.
type Store interface {
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// AddDatapath creates name. It fails with ErrDatapathExists if the
	// name is taken and never overwrites the existing entry.
	AddDatapath(ctx context.Context, name string, dpid uint64) error

	// DelDatapath removes name and its ports. Removing a datapath that
	// does not exist is not an error.
	DelDatapath(ctx context.Context, name string) error

	// SetListener records the control channel address of name.
	SetListener(ctx context.Context, name, addr string) error

	// AddPort records iface as port of name.
	AddPort(ctx context.Context, name, iface string, port uint16) error

	// DelPort forgets port of name.
	DelPort(ctx context.Context, name string, port uint16) error

	// Datapath returns the stored entry for name, or ErrDatapathNotFound.
	Datapath(ctx context.Context, name string) (*Datapath, error)

	// Close releases the connection.
	Close() error
}
