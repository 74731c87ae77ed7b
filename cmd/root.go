// Package cmd wires up the CLI flags and dispatches to the switch core.
package cmd

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"p4switch/config"
	"p4switch/internal/core"
	swerrors "p4switch/internal/errors"
	"p4switch/internal/metrics"
	"p4switch/internal/portmgr"
	"p4switch/internal/registry"
	"p4switch/internal/retry"
	"p4switch/internal/transport"
	"p4switch/tunnel"
	"p4switch/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X p4switch/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Process hooks, replaced in tests.
var (
	geteuid  = unix.Geteuid //nolint:gochecknoglobals
	newPorts = func(l *util.Logger, m *metrics.Collector) portmgr.Manager { //nolint:gochecknoglobals
		return portmgr.NewRaw(l, m)
	}
)

// Execute parses args and runs the switch until ctx is cancelled or a
// termination signal arrives.
func Execute(ctx context.Context, args []string) error {
	cfg := config.Default()
	if err := config.LoadFromEnv(cfg); err != nil {
		return err
	}
	fs := flag.NewFlagSet("p4switch", flag.ContinueOnError)

	// ── datapath ─────────────────────────────────────────────────
	fs.StringVar(&cfg.DatapathName, "name", cfg.DatapathName, "Datapath name")
	var dpid string
	fs.StringVar(&dpid, "dpid", "", "Datapath ID in hex (default autogenerated)")
	fs.StringVarP(&cfg.Listener, "listener", "l", cfg.Listener, "Serve the control channel on IP:PORT (managed mode)")
	fs.StringArrayVarP(&cfg.Interfaces, "interface", "i", cfg.Interfaces, "Attach a network interface at startup (repeatable)")

	// ── registry ─────────────────────────────────────────────────
	fs.StringVar(&cfg.Registry, "p4nsdb", cfg.Registry, "Registry at IP[:PORT], redis://… or sqlite://PATH")
	fs.StringVar(&cfg.TunnelSpec, "p4nsdb-tunnel", cfg.TunnelSpec, "Reach the registry via SSH bastion [user@]host[:port]")
	fs.StringVar(&cfg.SSHKeyPath, "p4nsdb-ssh-key", cfg.SSHKeyPath, "SSH private key file for the bastion")
	fs.BoolVar(&cfg.SSHPassword, "p4nsdb-ssh-password", cfg.SSHPassword, "Prompt for the bastion password")
	fs.BoolVar(&cfg.UseSSHAgent, "p4nsdb-ssh-agent", cfg.UseSSHAgent, "Use SSH agent for the bastion")
	fs.BoolVar(&cfg.StrictHostKey, "p4nsdb-strict-hostkey", cfg.StrictHostKey, "Verify the bastion host key")
	fs.StringVar(&cfg.KnownHostsPath, "p4nsdb-known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")

	// ── data plane ───────────────────────────────────────────────
	fs.StringVar(&cfg.PDServer, "pd-server", cfg.PDServer, "Serve data-plane RPC on IP:PORT")
	var noPcap bool
	fs.BoolVar(&noPcap, "no-pcap", !cfg.DumpPcap, "Do not dump to pcap files")
	fs.StringVar(&cfg.PcapDir, "pcap-dir", cfg.PcapDir, "Directory for per-port pcap files")
	fs.BoolVar(&cfg.NoVeth, "no-veth", cfg.NoVeth, "No veth interfaces")
	fs.DurationVar(&cfg.ControlIdleTimeout, "control-idle-timeout", cfg.ControlIdleTimeout, "Close idle control connections after this long (0 = never)")

	// ── output ───────────────────────────────────────────────────
	var verbose, trace bool
	fs.BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")
	fs.BoolVarP(&trace, "trace", "t", false, "Very verbose logging")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Validate configuration and exit")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Display version information and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Display this help message and exit")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Printf("p4switch %s\n", version)
		return nil
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument %q (use --help for usage)", fs.Arg(0))
	}

	cfg.DumpPcap = !noPcap
	switch {
	case trace:
		cfg.Verbose = int(util.LogDebug)
	case verbose:
		cfg.Verbose = int(util.LogVerbose)
	}

	if dpid != "" {
		v, err := config.ParseDPID(dpid)
		if err != nil {
			return &swerrors.ConfigError{Field: "dpid", Value: dpid, Message: err.Error()}
		}
		cfg.DPID = v
	}

	// ── tunnel spec ──────────────────────────────────────────────
	if cfg.TunnelSpec != "" {
		user, host, port, err := config.ParseBastionSpec(cfg.TunnelSpec)
		if err != nil {
			return fmt.Errorf("p4nsdb-tunnel: %w", err)
		}
		cfg.TunnelEnabled = true
		cfg.TunnelUser = user
		cfg.TunnelHost = host
		cfg.TunnelPort = port
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := util.NewLogger(cfg.Verbose)

	if cfg.DryRun {
		logger.Info("configuration ok (%s mode)", modeName(cfg))
		return nil
	}

	if geteuid() != 0 {
		return swerrors.ErrNotPrivileged
	}

	if cfg.DPID == 0 {
		cfg.DPID = randomDPID()
	}
	logger.Verbose("datapath %s, dpid %#x", cfg.DatapathName, cfg.DPID)
	logger.Info("data-plane RPC server address is %s", cfg.PDServer)

	// ── build components ─────────────────────────────────────────
	m := metrics.New()
	deps := core.Deps{
		Ports:      newPorts(logger, m),
		Logger:     logger,
		Metrics:    m,
		EnsureVeth: portmgr.EnsureVethPair,
	}

	if cfg.Managed() {
		open, closeDialer, err := buildRegistry(cfg, logger)
		if err != nil {
			return err
		}
		defer closeDialer() //nolint:errcheck
		deps.Registry = open
		deps.RegistryBackoff = retry.ConnectBackoff()
		deps.RegistryBackoff.OnRetry = func(attempt int, wait time.Duration, err error) {
			logger.Warn("registry attempt %d failed: %v (retrying in %s)", attempt, err, wait.Truncate(time.Millisecond))
		}
	}

	mode, err := core.Build(cfg, deps)
	if err != nil {
		return err
	}
	return mode.Run(ctx)
}

// ── helpers ──────────────────────────────────────────────────────────

// buildRegistry returns the registry opener for cfg together with the
// close function of the dialer it uses.
func buildRegistry(cfg *config.Config, logger *util.Logger) (registry.Opener, func() error, error) {
	ep, err := cfg.RegistryEndpoint()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Registry == "" {
		logger.Info("no registry address specified, using %s", ep)
	} else {
		logger.Info("registry address is %s", ep)
	}

	var dialer transport.Dialer = &transport.TCPDialer{Timeout: config.DefaultConnTimeout, Logger: logger}
	if cfg.TunnelEnabled {
		dialer = transport.NewBastionDialer(&tunnel.BastionConfig{
			User:          cfg.TunnelUser,
			Host:          cfg.TunnelHost,
			Port:          cfg.TunnelPort,
			KeyPath:       cfg.SSHKeyPath,
			PromptPass:    cfg.SSHPassword,
			UseAgent:      cfg.UseSSHAgent,
			StrictHostKey: cfg.StrictHostKey,
			KnownHosts:    cfg.KnownHostsPath,
			ConnTimeout:   config.DefaultConnTimeout,
		}, logger)
	}

	open := registry.NewOpener(ep, registry.OpenOptions{Dialer: dialer})
	return open, dialer.Close, nil
}

func randomDPID() uint64 {
	for {
		if v := rand.Uint64(); v != 0 {
			return v
		}
	}
}

func modeName(cfg *config.Config) string {
	if cfg.Managed() {
		return "managed"
	}
	return "standalone"
}

func printUsage(fs *flag.FlagSet) {
	writeUsage(os.Stderr, fs)
}

func writeUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, `p4switch – software switch node v%s

Brings up data-plane ports and, with --listener, registers the datapath
with the switch registry and serves the port control channel.

Usage:
  p4switch [options]                          Standalone (veth0…veth16)
  p4switch --no-veth -i eth0 -i eth1          Standalone, chosen ports
  p4switch -l IP:PORT [--p4nsdb ADDR] -i IF   Managed

Options:
%s
Environment (flags win over these; --dry-run has no env form):
`, version, fs.FlagUsages())
	for _, v := range config.EnvVars {
		fmt.Fprintf(w, "  %-28s %s (e.g. %s)\n", config.EnvPrefix+v.Key, v.Help, v.Example)
	}
	fmt.Fprint(w, `
Booleans accept 1, true or yes.

Examples:
  p4switch --name edge1 -l 0.0.0.0:9000 -i eth1 -i eth2
  p4switch -l 10.0.0.2:9000 --p4nsdb 10.0.0.1 --dpid 1f
  p4switch -l 10.0.0.2:9000 --p4nsdb 10.9.0.5 --p4nsdb-tunnel ops@bastion
  p4switch --no-veth -i veth0 --no-pcap -v
`)
}
