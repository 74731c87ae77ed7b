package core

import (
	"context"
	"net"
	"strconv"

	"golang.org/x/sync/errgroup"

	"p4switch/config"
	"p4switch/internal/control"
	swerrors "p4switch/internal/errors"
	"p4switch/internal/registry"
)

// ManagedMode registers the datapath with the switch registry, mirrors
// its ports there and serves the control channel on the listener.
type ManagedMode struct {
	*Runtime
	registry *registry.Adapter
}

func newManaged(cfg *config.Config, deps Deps) *ManagedMode {
	rt := newRuntime(cfg, deps)
	opts := []registry.Option{
		registry.WithLogger(deps.Logger),
		registry.WithMetrics(rt.metrics),
	}
	if deps.RegistryBackoff != nil {
		opts = append(opts, registry.WithBackoff(deps.RegistryBackoff))
	}
	m := &ManagedMode{
		Runtime:  rt,
		registry: registry.NewAdapter(deps.Registry, cfg.DatapathName, opts...),
	}
	rt.onExit(m.registry.Deregister)
	return m
}

// Registry returns the registry adapter.
func (m *ManagedMode) Registry() *registry.Adapter { return m.registry }

// Run implements Mode.
func (m *ManagedMode) Run(ctx context.Context) error {
	// Cleanup must be in place before anything it undoes exists.
	m.coord.Arm()

	if err := m.startRPC(ctx); err != nil {
		return m.fail(err)
	}

	ln, err := m.provision(ctx)
	if err != nil {
		return m.fail(err)
	}

	srv := control.NewServer(m.ports,
		control.WithNotifier(m.registry),
		control.WithIdleTimeout(m.cfg.ControlIdleTimeout),
		control.WithLogger(m.logger),
		control.WithMetrics(m.metrics),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return srv.Serve(gctx, ln)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-m.coord.Fired():
			cancel()
		}
		return nil
	})

	m.goLive()

	err = g.Wait()
	m.finish()
	return err
}

// provision registers the datapath, binds the control channel and
// publishes the bound address, then attaches and mirrors the configured
// interfaces. Every failure is fatal.
func (m *ManagedMode) provision(ctx context.Context) (net.Listener, error) {
	sess, err := m.registry.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	if err := sess.Register(ctx, m.cfg.DPID); err != nil {
		if swerrors.Is(err, swerrors.ErrDatapathExists) {
			m.logger.Error("could not create datapath, %s already exists", m.cfg.DatapathName)
		}
		return nil, err
	}

	// Bound before publishing so an ephemeral port is recorded as the
	// real one. Nothing is accepted until Serve.
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", m.cfg.Listener)
	if err != nil {
		return nil, swerrors.Wrap("listen", m.cfg.Listener, err)
	}
	published := publishedAddr(m.cfg.Listener, ln.Addr())

	err = sess.SetListener(ctx, published)
	if err == nil {
		err = m.attach(m.cfg.Interfaces, func(name string, port uint16) error {
			return sess.AddPort(ctx, name, port)
		})
	}
	if err != nil {
		ln.Close()
		return nil, err
	}

	m.mu.Lock()
	m.ctlAddr = ln.Addr()
	m.mu.Unlock()
	return ln, nil
}

// publishedAddr keeps the configured host and takes the port from the
// bound address.
func publishedAddr(configured string, bound net.Addr) string {
	host, _, err := net.SplitHostPort(configured)
	tcp, ok := bound.(*net.TCPAddr)
	if err != nil || !ok {
		return bound.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(tcp.Port))
}
