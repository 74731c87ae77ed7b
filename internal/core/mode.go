// Package core is the orchestration layer. It composes the port table,
// the registry adapter, the control server and the shutdown coordinator
// into the two operating modes of a switch node and provides a builder
// that selects the right mode from a Config.
//
// Architecture layers (bottom → top):
//
//	portmgr  →  porttable  →  control / registry  →  core  →  cmd (CLI)
//
// Standalone mode attaches ports and forwards packets; managed mode
// additionally registers the datapath with the switch registry and
// serves the control channel.
package core

import (
	"context"
	"errors"

	"p4switch/config"
	"p4switch/internal/engine"
	"p4switch/internal/metrics"
	"p4switch/internal/portmgr"
	"p4switch/internal/registry"
	"p4switch/internal/retry"
	"p4switch/internal/shutdown"
	"p4switch/util"
)

// Mode represents a complete operating mode of the switch node. Run
// provisions the node, blocks until ctx is cancelled, a termination
// signal is handled or a background task fails, and then tears the
// node down.
type Mode interface {
	Run(ctx context.Context) error
}

// Deps are the collaborators a mode drives. Only Ports is required in
// both modes; managed mode also needs Registry.
type Deps struct {
	Ports portmgr.Manager

	// Engine receives every inbound frame behind the packet tracer.
	// Nil leaves the tracer terminal.
	Engine engine.Engine

	// Registry opens registry connections in managed mode.
	Registry registry.Opener

	// RegistryBackoff overrides the connect retry schedule.
	RegistryBackoff *retry.Backoff

	// EnsureVeth creates a missing veth pair before standalone mode
	// attaches its default interfaces. Nil skips creation.
	EnsureVeth func(name, peer string) error

	Logger  *util.Logger
	Metrics *metrics.Collector

	// Shutdown carries extra coordinator options (signal set, raise
	// hook) on top of the defaults.
	Shutdown []shutdown.Option
}

// Build constructs the appropriate Mode from the given configuration.
// A listener address selects managed mode.
func Build(cfg *config.Config, deps Deps) (Mode, error) {
	if deps.Ports == nil {
		return nil, errors.New("core: no port manager")
	}
	if deps.Logger == nil {
		deps.Logger = util.Discard()
	}

	if cfg.Managed() {
		if deps.Registry == nil {
			return nil, errors.New("core: managed mode needs a registry")
		}
		return newManaged(cfg, deps), nil
	}
	return newStandalone(cfg, deps), nil
}
