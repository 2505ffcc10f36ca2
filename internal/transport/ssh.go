package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Options carries the connection parameters for one SSH endpoint.
type Options struct {
	Host                        string
	Port                        int
	User                        string
	KeyPath                     string
	Passphrase                  []byte
	KnownHostsPath              string
	InsecureSkipHostKeyChecking bool
	DialTimeout                 time.Duration
}

// SSHTransport holds at most one live SSH client per endpoint. The client is
// owned exclusively by the transport; callers go through Run and DialTunnel.
type SSHTransport struct {
	opts Options

	mu     sync.Mutex
	client *ssh.Client
	closed bool
}

func NewSSH(opts Options) *SSHTransport {
	return &SSHTransport{opts: opts}
}

func (t *SSHTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.client != nil {
		return nil
	}
	client, err := t.dial(ctx)
	if err != nil {
		return err
	}
	t.client = client
	return nil
}

func (t *SSHTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client != nil
}

func (t *SSHTransport) Run(ctx context.Context, cmd string, args ...string) (string, error) {
	client, err := t.liveClient()
	if err != nil {
		return "", err
	}

	session, err := client.NewSession()
	if err != nil {
		t.dropClient(client)
		return "", err
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(JoinCommand(cmd, args))
		done <- result{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		_ = session.Close()
		return "", ctx.Err()
	case res := <-done:
		return string(res.out), res.err
	}
}

func (t *SSHTransport) DialTunnel(ctx context.Context, network, addr string) (net.Conn, error) {
	client, err := t.liveClient()
	if err != nil {
		return nil, err
	}
	conn, err := client.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Disconnect drops the live client so the next Connect re-dials. Unlike
// Close it does not mark the transport finished.
func (t *SSHTransport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		_ = t.client.Close()
		t.client = nil
	}
}

func (t *SSHTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

func (t *SSHTransport) liveClient() (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if t.client == nil {
		return nil, ErrNotConnected
	}
	return t.client, nil
}

// dropClient discards the stored client after a session failure so the next
// Connect re-dials, but only when it is still the one that failed.
func (t *SSHTransport) dropClient(failed *ssh.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == failed {
		_ = t.client.Close()
		t.client = nil
	}
}

func (t *SSHTransport) dial(ctx context.Context) (*ssh.Client, error) {
	address, err := t.address()
	if err != nil {
		return nil, err
	}

	config, err := t.clientConfig()
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: t.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return ssh.NewClient(clientConn, chans, reqs), nil
}

func (t *SSHTransport) address() (string, error) {
	host := strings.TrimSpace(t.opts.Host)
	if host == "" {
		return "", fmt.Errorf("transport: ssh host is required")
	}

	if t.opts.Port > 0 {
		return net.JoinHostPort(host, fmt.Sprintf("%d", t.opts.Port)), nil
	}

	if _, _, err := net.SplitHostPort(host); err == nil {
		return host, nil
	}

	return net.JoinHostPort(host, "22"), nil
}

func (t *SSHTransport) clientConfig() (*ssh.ClientConfig, error) {
	if t.opts.User == "" {
		return nil, fmt.Errorf("transport: ssh user is required")
	}

	signer, err := t.signer()
	if err != nil {
		return nil, err
	}

	var hostKeyCallback ssh.HostKeyCallback
	if t.opts.InsecureSkipHostKeyChecking {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		callback, err := t.knownHostsCallback()
		if err != nil {
			return nil, err
		}
		hostKeyCallback = callback
	}

	return &ssh.ClientConfig{
		User:            t.opts.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         t.opts.DialTimeout,
	}, nil
}

func (t *SSHTransport) signer() (ssh.Signer, error) {
	if t.opts.KeyPath == "" {
		return nil, fmt.Errorf("transport: ssh key path is required")
	}

	privateKey, err := os.ReadFile(t.opts.KeyPath)
	if err != nil {
		return nil, err
	}

	if len(t.opts.Passphrase) > 0 {
		return ssh.ParsePrivateKeyWithPassphrase(privateKey, t.opts.Passphrase)
	}

	return ssh.ParsePrivateKey(privateKey)
}

func (t *SSHTransport) knownHostsCallback() (ssh.HostKeyCallback, error) {
	path := strings.TrimSpace(t.opts.KnownHostsPath)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("transport: known hosts path not set and home dir unavailable")
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}

	return knownhosts.New(path)
}
