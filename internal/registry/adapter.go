package registry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	swerrors "p4switch/internal/errors"
	"p4switch/internal/metrics"
	"p4switch/internal/retry"
	"p4switch/util"
)

// DefaultTimeout bounds each advisory notification and the shutdown
// deregistration.
const DefaultTimeout = 3 * time.Second

// Adapter applies the switch's registry policy for one datapath name.
type Adapter struct {
	open    Opener
	name    string
	backoff *retry.Backoff
	breaker *retry.CircuitBreaker
	timeout time.Duration
	logger  *util.Logger
	metrics *metrics.Collector

	// owned is set once this process has created the registration.
	owned atomic.Bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBackoff sets the retry schedule used by [Adapter.Connect].
func WithBackoff(b *retry.Backoff) Option { return func(a *Adapter) { a.backoff = b } }

// WithTimeout bounds notifications and deregistration.
func WithTimeout(d time.Duration) Option { return func(a *Adapter) { a.timeout = d } }

// WithBreaker replaces the circuit breaker guarding notifications.
func WithBreaker(cb *retry.CircuitBreaker) Option { return func(a *Adapter) { a.breaker = cb } }

// WithLogger sets the adapter's logger.
func WithLogger(l *util.Logger) Option { return func(a *Adapter) { a.logger = l.With("registry") } }

// WithMetrics counts failed notifications in m.
func WithMetrics(m *metrics.Collector) Option { return func(a *Adapter) { a.metrics = m } }

// NewAdapter returns an Adapter for datapath name that reaches the
// registry through open.
func NewAdapter(open Opener, name string, opts ...Option) *Adapter {
	a := &Adapter{
		open:    open,
		name:    name,
		timeout: DefaultTimeout,
		logger:  util.Discard(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.breaker == nil {
		a.breaker = retry.NewCircuitBreaker(retry.NotifyBreakerConfig())
	}
	return a
}

// Name returns the datapath name.
func (a *Adapter) Name() string { return a.name }

// Owned reports whether this process holds the registration.
func (a *Adapter) Owned() bool { return a.owned.Load() }

// ── Startup session ──────────────────────────────────────────────────

// Session is a registry connection held only for startup
// provisioning. Every error it returns is meant to be fatal.
type Session struct {
	a     *Adapter
	store Store
}

// Connect opens the registry, retrying per the adapter's backoff.
func (a *Adapter) Connect(ctx context.Context) (*Session, error) {
	s, err := Connect(ctx, a.open, a.backoff)
	if err != nil {
		return nil, err
	}
	a.logger.Verbose("connected")
	return &Session{a: a, store: s}, nil
}

// Register creates the datapath entry. An existing entry with the same
// name is left untouched and reported as ErrDatapathExists.
func (s *Session) Register(ctx context.Context, dpid uint64) error {
	if err := s.store.AddDatapath(ctx, s.a.name, dpid); err != nil {
		return swerrors.WrapRegistry("add-datapath", s.a.name, err)
	}
	s.a.owned.Store(true)
	s.a.logger.Info("registered datapath %s (dpid %#x)", s.a.name, dpid)
	return nil
}

// SetListener publishes the control channel address.
func (s *Session) SetListener(ctx context.Context, addr string) error {
	if err := s.store.SetListener(ctx, s.a.name, addr); err != nil {
		return swerrors.WrapRegistry("set-listener", s.a.name, err)
	}
	return nil
}

// AddPort mirrors one port.
func (s *Session) AddPort(ctx context.Context, iface string, port uint16) error {
	if err := s.store.AddPort(ctx, s.a.name, iface, port); err != nil {
		return swerrors.WrapRegistry("add-port", s.a.name, err)
	}
	return nil
}

// Close releases the connection.
func (s *Session) Close() error { return s.store.Close() }

// ── Advisory notifications ───────────────────────────────────────────

// NotifyListener republishes the control channel address. Failures are
// logged only.
func (a *Adapter) NotifyListener(ctx context.Context, addr string) {
	a.notify(ctx, "set-listener", func(ctx context.Context, s Store) error {
		return s.SetListener(ctx, a.name, addr)
	})
}

// NotifyAddPort mirrors an added port. Failures are logged only.
func (a *Adapter) NotifyAddPort(ctx context.Context, iface string, port uint16) {
	a.notify(ctx, "add-port", func(ctx context.Context, s Store) error {
		return s.AddPort(ctx, a.name, iface, port)
	})
}

// NotifyDelPort mirrors a removed port. Failures are logged only.
func (a *Adapter) NotifyDelPort(ctx context.Context, port uint16) {
	a.notify(ctx, "del-port", func(ctx context.Context, s Store) error {
		return s.DelPort(ctx, a.name, port)
	})
}

func (a *Adapter) notify(ctx context.Context, op string, fn func(context.Context, Store) error) {
	if !a.owned.Load() {
		return
	}
	err := a.breaker.Execute(func() error {
		return a.withFresh(ctx, fn)
	})
	if err == nil {
		return
	}
	a.metrics.NotifyFailed()
	if errors.Is(err, swerrors.ErrCircuitOpen) {
		a.logger.Debug("%s skipped: %v", op, err)
		return
	}
	a.logger.Warn("%s failed (ignored): %v", op, err)
}

// ── Shutdown ─────────────────────────────────────────────────────────

// Deregister deletes the datapath entry over a fresh connection
// bounded by the adapter timeout. It does nothing unless this process
// created the entry, and only the first call acts.
func (a *Adapter) Deregister(ctx context.Context) error {
	if !a.owned.CompareAndSwap(true, false) {
		return nil
	}
	err := a.withFresh(ctx, func(ctx context.Context, s Store) error {
		return s.DelDatapath(ctx, a.name)
	})
	if err != nil {
		return swerrors.WrapRegistry("del-datapath", a.name, err)
	}
	a.logger.Info("deregistered datapath %s", a.name)
	return nil
}

func (a *Adapter) withFresh(ctx context.Context, fn func(context.Context, Store) error) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	s, err := a.open(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", swerrors.ErrRegistryUnavailable, err)
	}
	defer s.Close()
	return fn(ctx, s)
}
