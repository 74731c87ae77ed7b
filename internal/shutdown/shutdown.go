// Package shutdown runs the switch's exit cleanup exactly once,
// whether the process ends normally or on SIGINT/SIGTERM.
//
// On a signal the cleanup runs on an ordinary goroutine, the default
// disposition is restored and the same signal is raised again so the
// process terminates the way it would have without a handler.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"p4switch/util"
)

// State is the coordinator's lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateArmed
	StateFired
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateFired:
		return "fired"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// DefaultTimeout bounds the cleanup function.
const DefaultTimeout = 5 * time.Second

// Cleanup is the work done once on the way out.
type Cleanup func(ctx context.Context) error

// Coordinator owns the termination signals between Arm and exit.
type Coordinator struct {
	cleanup Cleanup
	signals []os.Signal
	timeout time.Duration
	raise   func(os.Signal) error
	exit    func(code int)
	logger  *util.Logger

	once     sync.Once
	err      error
	state    atomic.Int32
	armOnce  sync.Once
	stopOnce sync.Once
	sigs     chan os.Signal
	stop     chan struct{}
	fired    chan struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout bounds the cleanup.
func WithTimeout(d time.Duration) Option { return func(c *Coordinator) { c.timeout = d } }

// WithLogger sets the coordinator's logger.
func WithLogger(l *util.Logger) Option { return func(c *Coordinator) { c.logger = l.With("shutdown") } }

// WithSignals replaces the handled signals (SIGINT and SIGTERM).
func WithSignals(sigs ...os.Signal) Option { return func(c *Coordinator) { c.signals = sigs } }

// WithRaise replaces how the signal is re-delivered after cleanup.
func WithRaise(fn func(os.Signal) error) Option { return func(c *Coordinator) { c.raise = fn } }

// WithExit replaces the fallback used when re-raising fails.
func WithExit(fn func(code int)) Option { return func(c *Coordinator) { c.exit = fn } }

// New returns an idle Coordinator that will run cleanup.
func New(cleanup Cleanup, opts ...Option) *Coordinator {
	c := &Coordinator{
		cleanup: cleanup,
		signals: []os.Signal{unix.SIGINT, unix.SIGTERM},
		timeout: DefaultTimeout,
		raise:   raiseSelf,
		exit:    os.Exit,
		logger:  util.Discard(),
		stop:    make(chan struct{}),
		fired:   make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current state.
func (c *Coordinator) State() State { return State(c.state.Load()) }

// Fired is closed once a signal has been handled and re-raising it
// did not end the process. With the default raise that only happens
// after the exit fallback, so the main goroutine waiting on it never
// returns ahead of the signal.
func (c *Coordinator) Fired() <-chan struct{} { return c.fired }

// Arm installs the signal handlers. Calling it again is a no-op.
func (c *Coordinator) Arm() {
	c.armOnce.Do(func() {
		c.sigs = make(chan os.Signal, 1)
		signal.Notify(c.sigs, c.signals...)
		c.state.Store(int32(StateArmed))
		go c.watch()
		c.logger.Debug("armed for %v", c.signals)
	})
}

// Exit is the normal-path exit hook: it runs the cleanup unless a
// signal already did, and returns the handlers to their defaults.
func (c *Coordinator) Exit(ctx context.Context) error {
	c.disarm()
	err := c.run(ctx)
	c.state.Store(int32(StateDone))
	return err
}

func (c *Coordinator) watch() {
	select {
	case sig := <-c.sigs:
		c.fire(sig)
	case <-c.stop:
	}
}

func (c *Coordinator) fire(sig os.Signal) {
	c.state.Store(int32(StateFired))
	c.logger.Info("caught %v, cleaning up", sig)

	if err := c.run(context.Background()); err != nil {
		c.logger.Warn("cleanup: %v", err)
	}

	signal.Stop(c.sigs)
	signal.Reset(c.signals...)
	c.state.Store(int32(StateDone))

	if err := c.raise(sig); err != nil {
		c.logger.Error("re-raising %v: %v", sig, err)
		c.exit(exitCode(sig))
	}
	close(c.fired)
}

func (c *Coordinator) run(ctx context.Context) error {
	c.once.Do(func() {
		if c.cleanup == nil {
			return
		}
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		c.err = c.cleanup(ctx)
	})
	return c.err
}

func (c *Coordinator) disarm() {
	c.stopOnce.Do(func() {
		close(c.stop)
		if c.sigs != nil {
			signal.Stop(c.sigs)
		}
	})
}

// raiseGrace is how long raiseSelf waits for the re-raised signal to
// terminate the process.
const raiseGrace = 2 * time.Second

// raiseSelf delivers sig to the process and waits for it to take
// effect. It returns only if the process survived.
func raiseSelf(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("cannot raise %v", sig)
	}
	if err := unix.Kill(unix.Getpid(), s); err != nil {
		return err
	}
	time.Sleep(raiseGrace)
	return fmt.Errorf("%v did not end the process within %v", sig, raiseGrace)
}

// exitCode follows the shell convention for death by signal.
func exitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 1
}
