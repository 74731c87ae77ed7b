// Package tunnel opens SSH bastion connections for reaching a switch
// registry that is not directly routable from the switch host.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	swerrors "p4switch/internal/errors"
	"p4switch/util"
)

// BastionConfig holds everything needed to log in to an SSH bastion.
type BastionConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration
}

// Addr returns the bastion's host:port.
func (c *BastionConfig) Addr() string {
	return util.FormatAddr(c.Host, c.Port)
}

// Bastion is an SSH client connection to a jump host. Registry
// connections are forwarded with direct-tcpip channels.
type Bastion struct {
	config *BastionConfig
	client *ssh.Client
	logger *util.Logger
	mu     sync.RWMutex
	alive  bool
}

// NewBastion creates a tunnel that is ready to [Bastion.Connect].
func NewBastion(cfg *BastionConfig, logger *util.Logger) *Bastion {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 15 * time.Second
	}
	return &Bastion{config: cfg, logger: logger.With("bastion")}
}

// Connect dials the bastion and completes the SSH handshake.
func (b *Bastion) Connect(ctx context.Context) error {
	auth, err := BuildAuthMethods(b.config)
	if err != nil {
		return swerrors.WrapSSH("auth", b.config.Host, b.config.Port, err)
	}
	hk, err := hostKeyCallback(b.config)
	if err != nil {
		return swerrors.WrapSSH("hostkey", b.config.Host, b.config.Port, err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            b.config.User,
		Auth:            auth,
		HostKeyCallback: hk,
		Timeout:         b.config.ConnTimeout,
	}

	addr := b.config.Addr()
	b.logger.Debug("dialing %s as %s", addr, b.config.User)

	d := net.Dialer{Timeout: b.config.ConnTimeout}
	tcpConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return swerrors.Wrap("dial", addr, err)
	}

	// Bound the handshake by the context as well as the dial timeout.
	if deadline, ok := ctx.Deadline(); ok {
		_ = tcpConn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, clientCfg)
	if err != nil {
		tcpConn.Close()
		return swerrors.WrapSSH("handshake", b.config.Host, b.config.Port, err)
	}
	_ = tcpConn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)

	b.mu.Lock()
	b.client = client
	b.alive = true
	b.mu.Unlock()

	go b.monitor(client)
	return nil
}

// Dial forwards a connection through the bastion.
func (b *Bastion) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	b.mu.RLock()
	client, alive := b.client, b.alive
	b.mu.RUnlock()

	if !alive || client == nil {
		return nil, swerrors.ErrNotConnected
	}

	b.logger.Debug("forwarding %s %s", network, address)
	conn, err := client.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("bastion dial %s: %w", address, err)
	}
	return conn, nil
}

// Close shuts down the SSH connection.
func (b *Bastion) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.alive = false
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}

// IsAlive reports whether the bastion connection is still up.
func (b *Bastion) IsAlive() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.alive
}

// monitor blocks until the SSH connection closes and flips the alive flag.
func (b *Bastion) monitor(client *ssh.Client) {
	err := client.Wait()

	b.mu.Lock()
	if b.client == client {
		b.alive = false
	}
	b.mu.Unlock()

	if err != nil {
		b.logger.Debug("connection closed: %v", err)
	}
}
