// Package control serves the switch's control channel: a TCP stream
// of fixed-width frames through which a remote controller adds and
// removes ports at runtime.
//
// One connection is serviced at a time. A connection ends when the
// peer closes it or sends a frame the switch cannot decode; the server
// then goes back to accepting.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	swerrors "p4switch/internal/errors"
	"p4switch/internal/metrics"
	"p4switch/internal/portmgr"
	"p4switch/internal/porttable"
	"p4switch/internal/session"
	"p4switch/util"
)

// statusInvalid answers an add-port request without an interface name.
var statusInvalid = -int32(unix.EINVAL)

// Notifier mirrors port changes into the registry. Implementations
// must treat failures as advisory.
type Notifier interface {
	NotifyAddPort(ctx context.Context, iface string, port uint16)
	NotifyDelPort(ctx context.Context, port uint16)
}

// Server applies control requests to a port table.
type Server struct {
	ports       *porttable.Table
	notifier    Notifier
	idleTimeout time.Duration
	logger      *util.Logger
	metrics     *metrics.Collector

	mu     sync.Mutex
	active net.Conn
}

// Option configures a Server.
type Option func(*Server)

// WithNotifier mirrors successful requests through n.
func WithNotifier(n Notifier) Option { return func(s *Server) { s.notifier = n } }

// WithIdleTimeout closes connections that send nothing for d. Zero
// disables the timeout.
func WithIdleTimeout(d time.Duration) Option { return func(s *Server) { s.idleTimeout = d } }

// WithLogger sets the server's logger.
func WithLogger(l *util.Logger) Option { return func(s *Server) { s.logger = l.With("control") } }

// WithMetrics counts connections and messages in m.
func WithMetrics(m *metrics.Collector) Option { return func(s *Server) { s.metrics = m } }

// NewServer returns a Server operating on ports.
func NewServer(ports *porttable.Table, opts ...Option) *Server {
	s := &Server{ports: ports, logger: util.Discard()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Serve accepts connections on ln until ctx is cancelled, handling
// each to completion before accepting the next. It closes ln and
// returns nil on cancellation.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	s.logger.Verbose("listening on %s", ln.Addr())

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
			s.closeActive()
		case <-stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return swerrors.Wrap("accept", ln.Addr().String(), err)
		}
		s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	s.setActive(conn)
	defer s.setActive(nil)
	defer conn.Close()

	// Cancellation may have raced with Accept.
	if ctx.Err() != nil {
		return
	}

	sess := session.New(conn, s.logger)
	s.metrics.ControlOpened()
	defer s.metrics.ControlClosed()
	sess.Logger.Verbose("controller connected from %s", sess.Peer())

	err := s.handle(ctx, sess)
	switch {
	case err == nil:
		sess.Logger.Verbose("controller disconnected after %v", sess.Age().Truncate(time.Millisecond))
	case swerrors.IsConnectionScoped(err):
		sess.Logger.Warn("closing connection: %v", err)
	case util.IsTimeout(err):
		sess.Logger.Verbose("closing idle connection")
	case ctx.Err() != nil:
	default:
		sess.Logger.Verbose("connection ended: %v", err)
	}
}

// handle reads and answers frames until the stream ends. A clean close
// by the peer returns nil.
func (s *Server) handle(ctx context.Context, sess *session.Session) error {
	for {
		if s.idleTimeout > 0 {
			sess.Conn.SetReadDeadline(time.Now().Add(s.idleTimeout)) //nolint:errcheck
		}
		req, err := ReadRequest(sess.Conn)
		if err != nil {
			if errors.Is(err, io.EOF) || util.IsClosed(err) {
				return nil
			}
			return err
		}
		s.metrics.ControlMessage()

		resp, after, err := s.dispatch(sess, req)
		if err != nil {
			return err
		}
		if err := WriteStatus(sess.Conn, resp); err != nil {
			return fmt.Errorf("write status: %w", err)
		}
		if after != nil {
			after(ctx)
		}
	}
}

// dispatch applies req and returns the reply plus an optional
// follow-up that runs once the reply is on the wire.
func (s *Server) dispatch(sess *session.Session, req Request) (Status, func(context.Context), error) {
	switch r := req.(type) {
	case AddPort:
		return s.addPort(sess, r)
	case DelPort:
		return s.delPort(sess, r)
	}
	return Status{}, nil, fmt.Errorf("%w: %T", swerrors.ErrUnknownCode, req)
}

func (s *Server) addPort(sess *session.Session, r AddPort) (Status, func(context.Context), error) {
	sess.Logger.Debug("req %d: add-port %q as %d", r.RequestID, r.Interface, r.Port)

	if r.Interface == "" {
		return Status{RequestID: r.RequestID, Code: statusInvalid}, nil, nil
	}
	err := s.ports.AddAt(r.Interface, r.Port)
	resp := Status{RequestID: r.RequestID, Code: portmgr.Status(err)}
	if err != nil {
		sess.Logger.Info("add-port %s as %d: %v", r.Interface, r.Port, err)
		return resp, nil, nil
	}
	return resp, s.mirrorAdd(r.Interface, r.Port), nil
}

func (s *Server) delPort(sess *session.Session, r DelPort) (Status, func(context.Context), error) {
	port, err := r.Port()
	if err != nil {
		return Status{}, nil, err
	}
	sess.Logger.Debug("req %d: del-port %d", r.RequestID, port)

	_, err = s.ports.Remove(port)
	resp := Status{RequestID: r.RequestID, Code: portmgr.Status(err)}
	if err != nil {
		sess.Logger.Info("del-port %d: %v", port, err)
		return resp, nil, nil
	}
	return resp, s.mirrorDel(port), nil
}

func (s *Server) mirrorAdd(iface string, port uint16) func(context.Context) {
	if s.notifier == nil {
		return nil
	}
	return func(ctx context.Context) { s.notifier.NotifyAddPort(ctx, iface, port) }
}

func (s *Server) mirrorDel(port uint16) func(context.Context) {
	if s.notifier == nil {
		return nil
	}
	return func(ctx context.Context) { s.notifier.NotifyDelPort(ctx, port) }
}

func (s *Server) setActive(c net.Conn) {
	s.mu.Lock()
	s.active = c
	s.mu.Unlock()
}

func (s *Server) closeActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		s.active.Close()
	}
}
