// Package errors provides domain-specific error types for the switch.
//
// These types carry structured context (operation, address, datapath,
// retryability) that helps callers decide whether a failure is fatal
// at startup, scoped to one control connection, or merely advisory.
package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrNotPrivileged       = errors.New("switch uses (v)eth interfaces; run as root")
	ErrDatapathExists      = errors.New("datapath already exists")
	ErrDatapathNotFound    = errors.New("datapath not found")
	ErrRegistryUnavailable = errors.New("registry unavailable")
	ErrMalformedFrame      = errors.New("malformed control frame")
	ErrUnknownCode         = errors.New("unknown control message code")
	ErrNotConnected        = errors.New("not connected")
	ErrCircuitOpen         = errors.New("circuit breaker is open")
)

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // operation: "dial", "listen", "accept", "write", "read"
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RegistryError represents a failed registry operation for a datapath.
type RegistryError struct {
	Op       string // "connect", "add-datapath", "set-listener", "add-port", ...
	Datapath string
	Err      error
}

func (e *RegistryError) Error() string {
	if e.Datapath == "" {
		return fmt.Sprintf("registry %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("registry %s %q: %v", e.Op, e.Datapath, e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "hostkey"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, automatically detecting retryability
// from the underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapRegistry creates a RegistryError.
func WrapRegistry(op, datapath string, err error) *RegistryError {
	return &RegistryError{Op: op, Datapath: datapath, Err: err}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether another registry connection attempt
// could succeed where err failed. Refusals, resets, timeouts and
// half-open peers are transient; server replies such as a duplicate
// datapath or an authentication failure are not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrDatapathExists) {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// IsConnectionScoped reports whether err should only tear down the
// control connection it happened on.
func IsConnectionScoped(err error) bool {
	return errors.Is(err, ErrMalformedFrame) || errors.Is(err, ErrUnknownCode)
}

func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial" || opErr.Timeout()
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	return false
}

// ── Re-exports ───────────────────────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }
