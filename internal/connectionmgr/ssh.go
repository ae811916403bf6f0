package connectionmgr

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHConfig describes the jump host used to reach a time-series server that
// is not directly routable.
type SSHConfig struct {
	Host     string
	User     string
	Password string
	KeyPath  string
	Port     int
	Timeout  time.Duration
}

// SSHDialer forwards connections through an SSH client. The client is
// established lazily and re-established after a failed forward.
type SSHDialer struct {
	mu     sync.Mutex
	cfg    SSHConfig
	client *ssh.Client
}

// NewSSHDialer validates configuration and prepares a dialer.
func NewSSHDialer(cfg SSHConfig) (*SSHDialer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh host is required for tunnelled connections")
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &SSHDialer{cfg: cfg}, nil
}

// DialContext opens address as seen from the SSH host. SSH channels do not
// support read deadlines, so the returned conn is a local pipe bridged to the
// channel.
func (d *SSHDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	client, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	remote, err := client.DialContext(ctx, network, address)
	if err != nil {
		d.drop(client)
		return nil, fmt.Errorf("forward %s via ssh: %w", address, err)
	}
	return bridge(remote), nil
}

// Close tears down the SSH client.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return nil
	}
	err := d.client.Close()
	d.client = nil
	return err
}

func (d *SSHDialer) drop(client *ssh.Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == client {
		_ = d.client.Close()
		d.client = nil
	}
}

func (d *SSHDialer) authMethods() ([]ssh.AuthMethod, error) {
	auth := []ssh.AuthMethod{}
	if d.cfg.Password != "" {
		auth = append(auth, ssh.Password(d.cfg.Password))
	}
	if d.cfg.KeyPath != "" {
		key, err := os.ReadFile(d.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh password or key configured")
	}
	return auth, nil
}

func (d *SSHDialer) dial(ctx context.Context) (*ssh.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client != nil {
		return d.client, nil
	}
	auth, err := d.authMethods()
	if err != nil {
		return nil, err
	}
	config := &ssh.ClientConfig{
		User:            d.cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.cfg.Timeout,
	}

	addr := net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))
	dialer := net.Dialer{Timeout: d.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial ssh: %w", err)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create ssh client: %w", err)
	}
	d.client = ssh.NewClient(clientConn, chans, reqs)
	return d.client, nil
}

// bridge returns a deadline-capable conn whose traffic is copied to and from
// remote. Closing either side tears down both.
func bridge(remote net.Conn) net.Conn {
	local, inner := net.Pipe()
	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			_ = inner.Close()
			_ = remote.Close()
		})
	}
	go func() {
		_, _ = io.Copy(inner, remote)
		shutdown()
	}()
	go func() {
		_, _ = io.Copy(remote, inner)
		shutdown()
	}()
	return local
}
