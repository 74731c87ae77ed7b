package core

import (
	"context"
	"errors"
	"net"
	"sync"

	"p4switch/config"
	"p4switch/internal/engine"
	"p4switch/internal/metrics"
	"p4switch/internal/porttable"
	"p4switch/internal/rpc"
	"p4switch/internal/shutdown"
	"p4switch/util"
)

// Runtime is the state shared by both modes for the life of one
// process: the port table, the data-plane RPC front-end, the shutdown
// coordinator and the steps that undo startup.
type Runtime struct {
	cfg     *config.Config
	deps    Deps
	logger  *util.Logger
	metrics *metrics.Collector

	ports *porttable.Table
	coord *shutdown.Coordinator

	mu       sync.Mutex
	rpc      *rpc.Server
	ctlAddr  net.Addr
	cleanups []shutdown.Cleanup // run first, in order, on the way out

	ready     chan struct{}
	readyOnce sync.Once
}

func newRuntime(cfg *config.Config, deps Deps) *Runtime {
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	rt := &Runtime{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger,
		metrics: m,
		ready:   make(chan struct{}),
	}

	opts := []porttable.Option{
		porttable.WithLogger(deps.Logger),
		porttable.WithMetrics(m),
	}
	if cfg.DumpPcap {
		opts = append(opts, porttable.WithCapture(cfg.PcapDir, cfg.DatapathName))
	}
	rt.ports = porttable.New(deps.Ports, opts...)

	copts := append([]shutdown.Option{shutdown.WithLogger(deps.Logger)}, deps.Shutdown...)
	rt.coord = shutdown.New(rt.teardown, copts...)
	return rt
}

// Ports returns the port table.
func (rt *Runtime) Ports() *porttable.Table { return rt.ports }

// Metrics returns the process-wide collector.
func (rt *Runtime) Metrics() *metrics.Collector { return rt.metrics }

// Ready is closed once startup provisioning has finished and the packet
// handler is installed.
func (rt *Runtime) Ready() <-chan struct{} { return rt.ready }

// ControlAddr returns the bound control channel address, or nil when
// no control server runs.
func (rt *Runtime) ControlAddr() net.Addr {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.ctlAddr
}

// RPCAddr returns the bound data-plane RPC address, or nil.
func (rt *Runtime) RPCAddr() net.Addr {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.rpc == nil {
		return nil
	}
	return rt.rpc.Addr()
}

// onExit registers a cleanup step that runs before the ports close.
func (rt *Runtime) onExit(fn shutdown.Cleanup) {
	rt.mu.Lock()
	rt.cleanups = append(rt.cleanups, fn)
	rt.mu.Unlock()
}

// startRPC brings up the data-plane RPC front-end ahead of the ports.
func (rt *Runtime) startRPC(ctx context.Context) error {
	if rt.cfg.PDServer == "" {
		return nil
	}
	s, err := rpc.Start(ctx, rt.cfg.PDServer, rpc.WithLogger(rt.logger))
	if err != nil {
		return err
	}
	rt.mu.Lock()
	rt.rpc = s
	rt.mu.Unlock()
	return nil
}

// attach adds names in order under consecutive port numbers.
func (rt *Runtime) attach(names []string, each func(name string, port uint16) error) error {
	for _, name := range names {
		port, err := rt.ports.Add(name)
		if err != nil {
			rt.logger.Error("failed to add interface %s: %v", name, err)
			return err
		}
		if each != nil {
			if err := each(name, port); err != nil {
				return err
			}
		}
	}
	return nil
}

// goLive installs the packet handler and reports the node ready.
func (rt *Runtime) goLive() {
	tracer := engine.NewTracer(rt.deps.Engine, rt.logger, rt.metrics)
	rt.deps.Ports.SetPacketHandler(engine.Handler(tracer))

	rt.mu.Lock()
	if rt.rpc != nil {
		rt.rpc.SetServing(true)
	}
	rt.mu.Unlock()

	rt.readyOnce.Do(func() { close(rt.ready) })
	rt.logger.Info("switch %s up with %d port(s)", rt.cfg.DatapathName, rt.ports.Len())
}

// fail unwinds a partial startup through the coordinator and returns
// err unchanged.
func (rt *Runtime) fail(err error) error {
	if xerr := rt.coord.Exit(context.Background()); xerr != nil {
		rt.logger.Warn("rollback: %v", xerr)
	}
	return err
}

// finish runs the normal-path exit hook. Shutdown errors are logged
// and swallowed.
func (rt *Runtime) finish() {
	if err := rt.coord.Exit(context.Background()); err != nil {
		rt.logger.Warn("shutdown: %v", err)
	}
}

// teardown is the coordinator's cleanup: registered steps first, then
// the RPC front-end, then every port.
func (rt *Runtime) teardown(ctx context.Context) error {
	rt.mu.Lock()
	steps := append([]shutdown.Cleanup(nil), rt.cleanups...)
	srv := rt.rpc
	rt.mu.Unlock()

	var errs []error
	for _, step := range steps {
		if err := step(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if srv != nil {
		if err := srv.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := rt.ports.Close(); err != nil {
		errs = append(errs, err)
	}
	rt.logger.Debug("metrics: %s", rt.metrics.JSON())
	return errors.Join(errs...)
}
