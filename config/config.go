// Package config defines the runtime configuration of a switch node and
// the helpers that parse its address-like options.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	swerrors "p4switch/internal/errors"
	"p4switch/internal/registry"
	"p4switch/util"
)

// Config holds every tuneable of one switch process. It is filled by
// defaults, the environment and the command line, validated once, and
// treated as read-only afterwards.
type Config struct {
	// ── Datapath ─────────────────────────────────────────────────────
	DatapathName string
	DPID         uint64   // 0 → generated at startup
	Listener     string   // control channel host:port; set → managed mode
	Interfaces   []string // attached in order, numbered from 0

	// ── Registry ─────────────────────────────────────────────────────
	Registry string // --p4nsdb, raw; empty → default in managed mode

	// ── SSH bastion to the registry ──────────────────────────────────
	TunnelSpec     string // raw user@host[:port]
	TunnelEnabled  bool
	TunnelUser     string
	TunnelHost     string
	TunnelPort     int
	SSHKeyPath     string
	SSHPassword    bool // true → prompt interactively
	UseSSHAgent    bool
	StrictHostKey  bool
	KnownHostsPath string

	// ── Data plane ───────────────────────────────────────────────────
	PDServer string // host:port of the data-plane RPC front-end
	DumpPcap bool
	PcapDir  string
	NoVeth   bool

	// ── Control channel ──────────────────────────────────────────────
	ControlIdleTimeout time.Duration // 0 → no deadline

	// ── Output ───────────────────────────────────────────────────────
	Verbose int
	DryRun  bool
}

// Default returns a Config carrying every default from defaults.go.
func Default() *Config {
	return &Config{
		DatapathName: DefaultDatapathName,
		PDServer:     util.FormatAddr(DefaultLocalAddress, DefaultPDServerPort),
		DumpPcap:     true,
		PcapDir:      DefaultPcapDir,
		Verbose:      1,
	}
}

// Managed reports whether the node runs under a registry.
func (c *Config) Managed() bool { return c.Listener != "" }

// RegistryEndpoint resolves the registry address, applying the default
// when none was given.
func (c *Config) RegistryEndpoint() (registry.Endpoint, error) {
	spec := c.Registry
	if spec == "" {
		spec = util.FormatAddr(DefaultLocalAddress, DefaultRegistryPort)
	}
	return registry.ParseEndpoint(spec, DefaultRegistryPort)
}

// ── Address helpers ──────────────────────────────────────────────────

// ParseHostPort normalises "host[:port]" to "host:port". A missing port
// yields defaultPort; an empty host means all interfaces.
func ParseHostPort(spec string, defaultPort int) (string, error) {
	host, port, err := util.SplitAddr(spec, defaultPort)
	if err != nil {
		return "", err
	}
	return util.FormatAddr(host, port), nil
}

// ParseDPID parses a datapath ID written in hex, with or without a 0x
// prefix.
func ParseDPID(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, fmt.Errorf("empty datapath id")
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid datapath id %q: expected hex", s)
	}
	return v, nil
}

// bastionRe matches [user@]host[:port].
var bastionRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:@]+)(?::(\d+))?$`)

// ParseBastionSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222". Port defaults to 22.
func ParseBastionSpec(spec string) (user, host string, port int, err error) {
	m := bastionRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent. The
// listener and PD server addresses are normalised in place.
func (c *Config) Validate() error {
	if c.DatapathName == "" {
		return &swerrors.ConfigError{Field: "name", Message: "datapath name must not be empty"}
	}
	if len(c.DatapathName) >= MaxNameLen {
		return &swerrors.ConfigError{
			Field:   "name",
			Value:   c.DatapathName,
			Message: fmt.Sprintf("datapath name longer than %d bytes", MaxNameLen-1),
		}
	}

	for _, iface := range c.Interfaces {
		if iface == "" || len(iface) >= MaxNameLen {
			return &swerrors.ConfigError{
				Field:   "interface",
				Value:   iface,
				Message: fmt.Sprintf("interface names must be 1-%d bytes", MaxNameLen-1),
			}
		}
	}

	if c.Listener != "" {
		host, port, err := util.SplitAddr(c.Listener, 0)
		if err != nil {
			return &swerrors.ConfigError{Field: "listener", Value: c.Listener, Message: err.Error()}
		}
		if port == 0 {
			return &swerrors.ConfigError{
				Field:   "listener",
				Value:   c.Listener,
				Message: "no port was specified for the listener",
				Hint:    "use --listener=IP:PORT, e.g. --listener=0.0.0.0:9000",
			}
		}
		c.Listener = util.FormatAddr(host, port)

		ep, err := c.RegistryEndpoint()
		if err != nil {
			return &swerrors.ConfigError{Field: "p4nsdb", Value: c.Registry, Message: err.Error()}
		}
		if c.TunnelEnabled && ep.Kind != registry.KindRedis {
			return &swerrors.ConfigError{
				Field:   "p4nsdb-tunnel",
				Value:   c.TunnelSpec,
				Message: "an SSH tunnel can only carry a network registry",
				Hint:    "drop --p4nsdb-tunnel or point --p4nsdb at a Redis address",
			}
		}
	}

	pd, err := ParseHostPort(c.PDServer, DefaultPDServerPort)
	if err != nil {
		return &swerrors.ConfigError{Field: "pd-server", Value: c.PDServer, Message: err.Error()}
	}
	c.PDServer = pd

	if c.TunnelEnabled && c.TunnelHost == "" {
		return &swerrors.ConfigError{Field: "p4nsdb-tunnel", Message: "tunnel host is required"}
	}

	if c.DumpPcap && c.PcapDir == "" {
		c.PcapDir = DefaultPcapDir
	}

	if c.ControlIdleTimeout < 0 {
		return &swerrors.ConfigError{
			Field:   "control-idle-timeout",
			Value:   c.ControlIdleTimeout,
			Message: "must not be negative",
			Hint:    "use 0 to disable the idle deadline",
		}
	}
	return nil
}
