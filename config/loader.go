package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Defaults   (defaults.go)

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every supported environment variable.
const EnvPrefix = "P4NS_"

// ── Environment variable mapping ─────────────────────────────────────
//
// P4NS_NAME=edge1 becomes key "name", P4NS_PD_SERVER becomes
// "pd_server". Boolean values accept "1", "true", "yes"
// (case-insensitive). P4NS_INTERFACES is a comma-separated list.

// EnvVar documents one variable LoadFromEnv reads.
type EnvVar struct {
	Key     string // without EnvPrefix
	Example string
	Help    string
}

// EnvVars lists every variable LoadFromEnv honors, in usage order.
var EnvVars = []EnvVar{
	{"NAME", "edge1", "datapath name"},
	{"DPID", "1f", "datapath ID (hex)"},
	{"LISTENER", "0.0.0.0:9000", "control channel IP:PORT"},
	{"INTERFACES", "eth0,eth1", "comma-separated data-plane ports"},
	{"P4NSDB", "10.0.0.1:6379", "registry endpoint"},
	{"P4NSDB_TUNNEL", "ops@bastion", "SSH bastion for the registry"},
	{"SSH_KEY", "/root/.ssh/id_ed25519", "bastion private key"},
	{"SSH_PASSWORD", "1", "prompt for the bastion password"},
	{"SSH_AGENT", "1", "authenticate through ssh-agent"},
	{"STRICT_HOSTKEY", "1", "verify the bastion host key"},
	{"KNOWN_HOSTS", "/root/.ssh/known_hosts", "known_hosts file"},
	{"PD_SERVER", "127.0.0.1:9191", "PD server address"},
	{"PCAP_DIR", "/var/lib/p4switch", "pcap output directory"},
	{"NO_PCAP", "1", "disable pcap dumps"},
	{"NO_VETH", "1", "do not create the default veth ports"},
	{"CONTROL_IDLE_TIMEOUT", "30s", "control connection idle timeout"},
	{"VERBOSE", "2", "verbosity level 0-3"},
}

// LoadFromEnv overlays environment variables onto cfg. Only non-empty
// env vars override the existing value. This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) error {
	k := koanf.New(".")
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil)
	if err != nil {
		return fmt.Errorf("load env vars: %w", err)
	}

	if v := k.String("name"); v != "" {
		cfg.DatapathName = v
	}
	if v := k.String("dpid"); v != "" {
		dpid, err := ParseDPID(v)
		if err != nil {
			return fmt.Errorf("%sDPID: %w", EnvPrefix, err)
		}
		cfg.DPID = dpid
	}
	if v := k.String("listener"); v != "" {
		cfg.Listener = v
	}
	if v := k.String("interfaces"); v != "" {
		cfg.Interfaces = splitList(v)
	}
	if v := k.String("p4nsdb"); v != "" {
		cfg.Registry = v
	}

	// SSH bastion
	if v := k.String("p4nsdb_tunnel"); v != "" {
		cfg.TunnelSpec = v
	}
	if v := k.String("ssh_key"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool(k, "ssh_password") {
		cfg.SSHPassword = true
	}
	if envBool(k, "ssh_agent") {
		cfg.UseSSHAgent = true
	}
	if envBool(k, "strict_hostkey") {
		cfg.StrictHostKey = true
	}
	if v := k.String("known_hosts"); v != "" {
		cfg.KnownHostsPath = v
	}

	// Data plane
	if v := k.String("pd_server"); v != "" {
		cfg.PDServer = v
	}
	if v := k.String("pcap_dir"); v != "" {
		cfg.PcapDir = v
	}
	if envBool(k, "no_pcap") {
		cfg.DumpPcap = false
	}
	if envBool(k, "no_veth") {
		cfg.NoVeth = true
	}

	if v := k.String("control_idle_timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sCONTROL_IDLE_TIMEOUT: %w", EnvPrefix, err)
		}
		cfg.ControlIdleTimeout = d
	}

	// Output
	if v := envInt(k, "verbose"); v > 0 {
		cfg.Verbose = v
	}
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(k *koanf.Koanf, key string) int {
	n, err := strconv.Atoi(k.String(key))
	if err != nil {
		return 0
	}
	return n
}

func envBool(k *koanf.Koanf, key string) bool {
	v := strings.ToLower(k.String(key))
	return v == "1" || v == "true" || v == "yes"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
