// Package session represents one control connection from a remote
// controller: its identity, the connection itself and a logger scoped
// to it.
package session

import (
	"net"
	"time"

	"github.com/google/uuid"

	"p4switch/util"
)

// Session encapsulates the runtime context for a single control
// connection.
type Session struct {
	ID      string
	Conn    net.Conn
	Logger  *util.Logger
	Started time.Time
}

// New creates a Session bound to conn. The logger is scoped with a
// short prefix of the session ID so interleaved log lines can be told
// apart.
func New(conn net.Conn, logger *util.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		ID:      id,
		Conn:    conn,
		Logger:  logger.With("session " + id[:8]),
		Started: time.Now(),
	}
}

// Peer returns the remote address of the connection.
func (s *Session) Peer() string {
	if s.Conn == nil || s.Conn.RemoteAddr() == nil {
		return "unknown"
	}
	return s.Conn.RemoteAddr().String()
}

// Age returns how long the session has been open.
func (s *Session) Age() time.Duration {
	return time.Since(s.Started)
}
