package pve

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/cloudpods/pkg/log"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig configures access to the hypervisor nodes
type SSHConfig struct {
	User           string
	Port           int
	KeyFile        string
	KnownHostsFile string
	Timeout        time.Duration
	// Nodes maps a node name to its address; unmapped nodes are dialed by name
	Nodes map[string]string
}

// SSHExecutor runs commands over SSH, keeping one client per node
type SSHExecutor struct {
	cfg     SSHConfig
	config  *ssh.ClientConfig
	mu      sync.Mutex
	clients map[string]*ssh.Client
	logger  zerolog.Logger
}

// NewSSHExecutor loads the private key and known hosts
func NewSSHExecutor(cfg SSHConfig) (*SSHExecutor, error) {
	key, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}
	hostKeys, err := knownhosts.New(cfg.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts: %w", err)
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}

	return &SSHExecutor{
		cfg: cfg,
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeys,
			Timeout:         30 * time.Second,
		},
		clients: make(map[string]*ssh.Client),
		logger:  log.WithComponent("pve"),
	}, nil
}

func (e *SSHExecutor) address(node string) string {
	host := node
	if addr, ok := e.cfg.Nodes[node]; ok && addr != "" {
		host = addr
	}
	return net.JoinHostPort(host, strconv.Itoa(e.cfg.Port))
}

func (e *SSHExecutor) client(node string) (*ssh.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.clients[node]; ok {
		return c, nil
	}
	c, err := ssh.Dial("tcp", e.address(node), e.config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", node, err)
	}
	e.clients[node] = c
	return c, nil
}

func (e *SSHExecutor) drop(node string, c *ssh.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.clients[node] == c {
		delete(e.clients, node)
	}
	c.Close()
}

// Exec implements Executor. The configured timeout bounds every call.
func (e *SSHExecutor) Exec(ctx context.Context, node, command string) (string, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	c, err := e.client(node)
	if err != nil {
		return "", err
	}
	session, err := c.NewSession()
	if err != nil {
		// Stale connection, redial on the next call
		e.drop(node, c)
		return "", fmt.Errorf("failed to open session on %s: %w", node, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	e.logger.Debug().Str("node", node).Str("command", command).Msg("Executing command")

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err := <-done:
		if err != nil {
			if stderr.Len() > 0 {
				return stdout.String(), fmt.Errorf("%w: %s", err, bytes.TrimSpace(stderr.Bytes()))
			}
			return stdout.String(), err
		}
		return stdout.String(), nil
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	}
}

// Close closes every node connection
func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for node, c := range e.clients {
		c.Close()
		delete(e.clients, node)
	}
	return nil
}
