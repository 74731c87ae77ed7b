package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags and environment variable loading.

const (
	// DefaultDatapathName names the datapath when --name is not given.
	DefaultDatapathName = "p4ns"

	// DefaultLocalAddress is the address used for local service binding
	// and for the default registry.
	DefaultLocalAddress = "127.0.0.1"

	// DefaultRegistryPort is the registry port when --p4nsdb omits one.
	DefaultRegistryPort = 6379

	// DefaultPDServerPort is the data-plane RPC port.
	DefaultPDServerPort = 9090

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultPcapDir is where per-port capture files are written.
	DefaultPcapDir = "."

	// NumDefaultVeth is how many veth interfaces standalone mode
	// attaches: veth0, veth2, … veth16 as ports 0 through 8.
	NumDefaultVeth = 9

	// MaxNameLen bounds datapath and interface names, terminator
	// included, to fit the control protocol's fixed-width field.
	MaxNameLen = 128

	// DefaultConnTimeout bounds registry and bastion connects.
	DefaultConnTimeout = 15 * time.Second
)
