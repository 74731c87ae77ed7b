package tunnel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"
)

// defaultKeyNames are tried in ~/.ssh when nothing explicit is given.
var defaultKeyNames = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// BuildAuthMethods assembles the ordered SSH authentication methods
// for a bastion: explicit key, agent, password prompt, then the agent
// and default key files as a fallback.
func BuildAuthMethods(cfg *BastionConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.KeyPath != "" {
		m, err := publicKeyAuth(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", cfg.KeyPath, err)
		}
		methods = append(methods, m)
	}

	if cfg.UseAgent {
		m, err := agentAuth()
		if err != nil {
			return nil, fmt.Errorf("ssh-agent: %w", err)
		}
		methods = append(methods, m)
	}

	if cfg.PromptPass {
		m, err := passwordAuth(cfg.User, cfg.Host)
		if err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}

	if len(methods) == 0 {
		methods = defaultAuthMethods()
	}
	if len(methods) == 0 {
		return nil, errors.New("no SSH authentication methods available; " +
			"use --p4nsdb-ssh-key, --p4nsdb-ssh-agent or --p4nsdb-ssh-password")
	}
	return methods, nil
}

func publicKeyAuth(keyPath string) (ssh.AuthMethod, error) {
	signer, err := loadSigner(keyPath)
	if err != nil {
		return nil, err
	}
	return ssh.PublicKeys(signer), nil
}

// loadSigner parses a private key file, prompting on the terminal for
// a passphrase when the key is encrypted.
func loadSigner(keyPath string) (ssh.Signer, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	var missing *ssh.PassphraseMissingError
	switch {
	case err == nil:
		return signer, nil
	case !errors.As(err, &missing):
		return nil, fmt.Errorf("parsing key: %w", err)
	}

	pass, err := readSecret(fmt.Sprintf("Enter passphrase for %s: ", keyPath))
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(data, pass)
	if err != nil {
		return nil, fmt.Errorf("decrypting key: %w", err)
	}
	return signer, nil
}

func agentAuth() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, errors.New("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("connecting to agent at %s: %w", sock, err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

func passwordAuth(user, host string) (ssh.AuthMethod, error) {
	pass, err := readSecret(fmt.Sprintf("%s@%s's password: ", user, host))
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	return ssh.Password(string(pass)), nil
}

func readSecret(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)
	return term.ReadPassword(fd)
}

// defaultAuthMethods tries the agent and the usual key file names.
// Encrypted default keys are skipped rather than prompted for.
func defaultAuthMethods() []ssh.AuthMethod {
	var out []ssh.AuthMethod

	if m, err := agentAuth(); err == nil {
		out = append(out, m)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return out
	}
	for _, name := range defaultKeyNames {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		if signer, err := ssh.ParsePrivateKey(data); err == nil {
			out = append(out, ssh.PublicKeys(signer))
		}
	}
	return out
}

// ── host-key verification ────────────────────────────────────────────

func hostKeyCallback(cfg *BastionConfig) (ssh.HostKeyCallback, error) {
	if !cfg.StrictHostKey {
		//nolint:gosec // operator opted out of host key checking
		return ssh.InsecureIgnoreHostKey(), nil
	}

	khFile := cfg.KnownHosts
	if khFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating home directory: %w", err)
		}
		khFile = filepath.Join(home, ".ssh", "known_hosts")
	}

	cb, err := knownhosts.New(khFile)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts from %s: %w", khFile, err)
	}
	return cb, nil
}
