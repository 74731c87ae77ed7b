package core

import (
	"context"
	"fmt"

	"p4switch/config"
)

// StandaloneMode runs the node without a registry or control channel.
// Unless veth bootstrap is suppressed it attaches the default veth
// interfaces in place of any configured ones.
type StandaloneMode struct {
	*Runtime
}

func newStandalone(cfg *config.Config, deps Deps) *StandaloneMode {
	return &StandaloneMode{Runtime: newRuntime(cfg, deps)}
}

// DefaultVeth returns the interfaces standalone mode attaches when veth
// bootstrap is on: veth0, veth2, … one per default port.
func DefaultVeth() []string {
	names := make([]string, config.NumDefaultVeth)
	for i := range names {
		names[i] = fmt.Sprintf("veth%d", 2*i)
	}
	return names
}

// Run implements Mode.
func (m *StandaloneMode) Run(ctx context.Context) error {
	m.logger.Info("no listener specified, switch will run in standalone mode")
	if m.cfg.Registry != "" {
		m.logger.Warn("registry address %s will be ignored", m.cfg.Registry)
	}

	m.coord.Arm()

	if err := m.startRPC(ctx); err != nil {
		return m.fail(err)
	}

	names := m.cfg.Interfaces
	if !m.cfg.NoVeth {
		if len(names) > 0 {
			m.logger.Warn("ignoring %d configured interface(s); use --no-veth to attach them", len(names))
		}
		names = DefaultVeth()
		if err := m.ensureVeth(names); err != nil {
			return m.fail(err)
		}
	}
	if err := m.attach(names, nil); err != nil {
		return m.fail(err)
	}

	m.goLive()

	select {
	case <-ctx.Done():
	case <-m.coord.Fired():
	}
	m.finish()
	return nil
}

// ensureVeth creates each default interface's peer when missing. The
// peer of vethN is vethN+1.
func (m *StandaloneMode) ensureVeth(names []string) error {
	if m.deps.EnsureVeth == nil {
		return nil
	}
	for i, name := range names {
		peer := fmt.Sprintf("veth%d", 2*i+1)
		if err := m.deps.EnsureVeth(name, peer); err != nil {
			return fmt.Errorf("veth pair %s/%s: %w", name, peer, err)
		}
	}
	return nil
}
