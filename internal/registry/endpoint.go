package registry

import (
	"fmt"
	"strings"

	"p4switch/util"
)

// Kind selects a registry backend.
type Kind string

const (
	KindRedis  Kind = "redis"
	KindSQLite Kind = "sqlite"
)

// Endpoint is a parsed registry address.
type Endpoint struct {
	Kind Kind
	// Addr is host:port for Redis endpoints given as host[:port].
	Addr string
	// URL is set for redis:// and rediss:// endpoints.
	URL string
	// Path is the database file for SQLite endpoints.
	Path string
}

func (e Endpoint) String() string {
	switch {
	case e.Kind == KindSQLite:
		return "sqlite://" + e.Path
	case e.URL != "":
		return e.URL
	default:
		return e.Addr
	}
}

// ParseEndpoint accepts host[:port], redis://..., rediss://... and
// sqlite://PATH. A bare host gets defaultPort.
func ParseEndpoint(spec string, defaultPort int) (Endpoint, error) {
	switch {
	case spec == "":
		return Endpoint{}, fmt.Errorf("empty registry address")
	case strings.HasPrefix(spec, "sqlite://"):
		path := strings.TrimPrefix(spec, "sqlite://")
		if path == "" {
			return Endpoint{}, fmt.Errorf("registry %q: missing database path", spec)
		}
		return Endpoint{Kind: KindSQLite, Path: path}, nil
	case strings.HasPrefix(spec, "redis://"), strings.HasPrefix(spec, "rediss://"):
		return Endpoint{Kind: KindRedis, URL: spec}, nil
	case strings.Contains(spec, "://"):
		return Endpoint{}, fmt.Errorf("registry %q: unsupported scheme", spec)
	}

	host, port, err := util.SplitAddr(spec, defaultPort)
	if err != nil {
		return Endpoint{}, fmt.Errorf("registry %q: %w", spec, err)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return Endpoint{Kind: KindRedis, Addr: util.FormatAddr(host, port)}, nil
}
