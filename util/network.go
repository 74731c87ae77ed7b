package util

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// FormatAddr returns "host:port".
func FormatAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// SplitAddr splits "host[:port]" into its parts.  A missing port yields
// defaultPort; an empty host is returned as-is so callers can decide
// whether a wildcard bind is acceptable.
func SplitAddr(spec string, defaultPort int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(spec)
	if err != nil {
		// No port component: the whole spec is the host.
		if net.ParseIP(spec) != nil || !strings.Contains(spec, ":") {
			return spec, defaultPort, nil
		}
		return "", 0, fmt.Errorf("invalid address %q: %w", spec, err)
	}
	if portStr == "" {
		return host, defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q in %q", portStr, spec)
	}
	return host, port, nil
}

// FindFreePort returns an available TCP port on 127.0.0.1.
func FindFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("finding free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
