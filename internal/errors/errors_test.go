package errors

import (
	"context"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
)

func TestNetworkError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  NetworkError
		want string
	}{
		{
			name: "retryable",
			err:  NetworkError{Op: "dial", Addr: "127.0.0.1:6379", Err: io.EOF, Retryable: true},
			want: "dial 127.0.0.1:6379: EOF (retryable)",
		},
		{
			name: "non-retryable",
			err:  NetworkError{Op: "listen", Addr: "127.0.0.1:6653", Err: fmt.Errorf("bind failed")},
			want: "listen 127.0.0.1:6653: bind failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNetworkError_Unwrap(t *testing.T) {
	err := &NetworkError{Op: "dial", Addr: "x", Err: io.EOF}
	if !Is(err, io.EOF) {
		t.Error("should unwrap to io.EOF")
	}
}

func TestRegistryError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  *RegistryError
		want string
	}{
		{"with datapath", WrapRegistry("add-datapath", "s1", ErrDatapathExists), `registry add-datapath "s1": datapath already exists`},
		{"without datapath", WrapRegistry("connect", "", io.EOF), "registry connect: EOF"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRegistryError_Unwrap(t *testing.T) {
	err := WrapRegistry("add-datapath", "s1", ErrDatapathExists)
	if !Is(err, ErrDatapathExists) {
		t.Error("should unwrap to ErrDatapathExists")
	}
}

func TestSSHError_Format(t *testing.T) {
	err := WrapSSH("handshake", "bastion.example.com", 22, fmt.Errorf("connection refused"))
	want := "ssh handshake bastion.example.com:22: connection refused"
	if got := err.Error(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestConfigError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  ConfigError
		want string
	}{
		{
			name: "with value and hint",
			err: ConfigError{
				Field:   "listener",
				Value:   "127.0.0.1:0",
				Message: "port must not be 0",
				Hint:    "pick a fixed port the controller can reach",
			},
			want: "config: --listener=127.0.0.1:0: port must not be 0\n  hint: pick a fixed port the controller can reach",
		},
		{
			name: "missing value no hint",
			err: ConfigError{
				Field:   "name",
				Message: "required",
			},
			want: "config: --name: required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("got:\n%s\nwant:\n%s", got, tt.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	inner := fmt.Errorf("connection refused")
	err := Wrap("dial", "10.0.0.1:6379", inner)

	if err.Op != "dial" || err.Addr != "10.0.0.1:6379" {
		t.Errorf("wrong fields: Op=%q Addr=%q", err.Op, err.Addr)
	}
	if !Is(err, inner) {
		t.Error("should unwrap to inner error")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"retryable network", &NetworkError{Op: "dial", Addr: "x", Err: io.EOF, Retryable: true}, true},
		{"non-retryable network", &NetworkError{Op: "dial", Addr: "x", Err: io.EOF, Retryable: false}, false},
		{"datapath exists", WrapRegistry("add-datapath", "s1", ErrDatapathExists), false},
		{"plain error", fmt.Errorf("boom"), false},
		{"server reply", fmt.Errorf("ping: %w", fmt.Errorf("NOAUTH Authentication required")), false},
		{"peer hung up", fmt.Errorf("ping: %w", io.EOF), true},
		{"reset", &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}, true},
		{"refused", fmt.Errorf("connect: %w", syscall.ECONNREFUSED), true},
		{"deadline", fmt.Errorf("ping: %w", context.DeadlineExceeded), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsConnectionScoped(t *testing.T) {
	if !IsConnectionScoped(fmt.Errorf("read: %w", ErrMalformedFrame)) {
		t.Error("malformed frame should be connection scoped")
	}
	if !IsConnectionScoped(ErrUnknownCode) {
		t.Error("unknown code should be connection scoped")
	}
	if IsConnectionScoped(ErrRegistryUnavailable) {
		t.Error("registry failure is not connection scoped")
	}
}

func TestClassifyRetryable_NetOpError(t *testing.T) {
	opErr := &net.OpError{
		Op:  "dial",
		Net: "tcp",
		Err: &net.DNSError{IsTemporary: true},
	}
	if !classifyRetryable(opErr) {
		t.Error("dial OpError should be retryable")
	}
}

func TestSentinels(t *testing.T) {
	sentinels := []error{
		ErrNotPrivileged, ErrDatapathExists, ErrDatapathNotFound,
		ErrRegistryUnavailable, ErrMalformedFrame, ErrUnknownCode,
		ErrNotConnected, ErrCircuitOpen,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && Is(a, b) {
				t.Errorf("sentinel %d and %d should not match", i, j)
			}
		}
	}
}
