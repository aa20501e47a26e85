package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SFTPOptions control how sftp:// downloads authenticate.
type SFTPOptions struct {
	// KnownHostsPath is required; unknown hosts are rejected.
	KnownHostsPath string
	// KeyPaths are tried in order after the ssh agent.
	KeyPaths []string
	Timeout  time.Duration
}

// DefaultSFTPOptions reads keys and known_hosts from ~/.ssh.
func DefaultSFTPOptions() SFTPOptions {
	home, _ := os.UserHomeDir()
	dir := filepath.Join(home, ".ssh")
	return SFTPOptions{
		KnownHostsPath: filepath.Join(dir, "known_hosts"),
		KeyPaths: []string{
			filepath.Join(dir, "id_ed25519"),
			filepath.Join(dir, "id_ecdsa"),
			filepath.Join(dir, "id_rsa"),
		},
		Timeout: 30 * time.Second,
	}
}

func fetchSFTP(ctx context.Context, u *url.URL) ([]byte, error) {
	return DefaultSFTPOptions().Fetch(ctx, u)
}

// Fetch downloads the file named by an sftp://[user[:password]@]host[:port]/path URL.
func (o SFTPOptions) Fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	cfg, closeAgent, err := o.clientConfig(u)
	if err != nil {
		return nil, err
	}
	defer closeAgent()

	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "22")
	}

	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}
	defer sftpClient.Close()

	f, err := sftpClient.Open(u.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote file %s: %w", u.Path, err)
	}
	defer f.Close()

	return io.ReadAll(f)
}

func (o SFTPOptions) clientConfig(u *url.URL) (*ssh.ClientConfig, func(), error) {
	noop := func() {}

	user := u.User.Username()
	if user == "" {
		user = os.Getenv("USER")
	}

	var auth []ssh.AuthMethod
	closeAgent := noop
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			closeAgent = func() { _ = conn.Close() }
		}
	}

	var signers []ssh.Signer
	for _, p := range o.KeyPaths {
		keyBytes, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			// Encrypted keys are left to the agent.
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		auth = append(auth, ssh.PublicKeys(signers...))
	}

	if pw, ok := u.User.Password(); ok {
		auth = append(auth, ssh.Password(pw))
	}
	if len(auth) == 0 {
		closeAgent()
		return nil, noop, errors.New("no ssh credentials available: start an ssh agent or provide a key")
	}

	hostKeyCallback, err := knownhosts.New(o.KnownHostsPath)
	if err != nil {
		closeAgent()
		return nil, noop, fmt.Errorf("failed to load known_hosts: %w", err)
	}

	timeout := o.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, closeAgent, nil
}
