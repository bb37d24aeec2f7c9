package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/ogent/ogent/internal/common/config"
	"github.com/ogent/ogent/internal/common/logger"
)

// SSHExecutor runs commands on a remote host over SSH. The connection is
// established lazily and reused across commands; a failed connection is
// re-dialed on the next run.
type SSHExecutor struct {
	cfg    config.RemoteConfig
	logger *logger.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHExecutor creates the remote executor from config. Returns nil when
// remote execution is disabled.
func NewSSHExecutor(cfg config.RemoteConfig, log *logger.Logger) *SSHExecutor {
	if !cfg.Enabled {
		return nil
	}
	return &SSHExecutor{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "ssh_executor"), zap.String("remote_host", cfg.Host)),
	}
}

// Type returns the execution type reported in results.
func (e *SSHExecutor) Type() string { return TypeRemote }

// Available reports whether remote execution is configured.
func (e *SSHExecutor) Available() bool {
	return e != nil && e.cfg.Enabled
}

// Test dials the remote host and runs a trivial command, verifying the
// target is reachable at startup.
func (e *SSHExecutor) Test(ctx context.Context) error {
	client, err := e.connect()
	if err != nil {
		return err
	}
	session, err := client.NewSession()
	if err != nil {
		e.dropConnection()
		return fmt.Errorf("ssh session failed: %w", err)
	}
	defer session.Close()
	return session.Run("true")
}

// Run executes the command over SSH. Connection and session failures come
// back as a result with a nonzero exit code so the controller sees them as a
// failed execution rather than a protocol error.
func (e *SSHExecutor) Run(ctx context.Context, command string, onProgress func(Progress)) (*Result, error) {
	client, err := e.connect()
	if err != nil {
		return e.setupFailure(err), nil
	}

	session, err := client.NewSession()
	if err != nil {
		e.dropConnection()
		return e.setupFailure(fmt.Errorf("ssh session failed: %w", err)), nil
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return e.setupFailure(err), nil
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return e.setupFailure(err), nil
	}

	if err := session.Start(command); err != nil {
		return e.setupFailure(err), nil
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGKILL)
			session.Close()
		case <-done:
		}
	}()

	var stdoutBuf, stderrBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go streamLines(&wg, stdout, &stdoutBuf, func(line string) {
		if onProgress != nil {
			onProgress(Progress{StdoutChunk: line})
		}
	})
	go streamLines(&wg, stderr, &stderrBuf, func(line string) {
		if onProgress != nil {
			onProgress(Progress{StderrChunk: line})
		}
	})

	wg.Wait()
	waitErr := session.Wait()
	close(done)

	result := &Result{
		Stdout:        stdoutBuf.String(),
		Stderr:        stderrBuf.String(),
		ExecutionType: TypeRemote,
		Cancelled:     ctx.Err() != nil,
	}

	if waitErr != nil {
		if exitErr, ok := waitErr.(*ssh.ExitError); ok {
			result.ExitCode = exitErr.ExitStatus()
		} else {
			result.ExitCode = -1
			// A torn connection is unusable for the next command
			e.dropConnection()
		}
	}

	return result, nil
}

// connect returns the live client, dialing when needed.
func (e *SSHExecutor) connect() (*ssh.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		return e.client, nil
	}

	auths, err := e.authMethods()
	if err != nil {
		return nil, err
	}

	clientCfg := &ssh.ClientConfig{
		User:            e.cfg.Username,
		Auth:            auths,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         e.cfg.Timeout(),
	}

	addr := net.JoinHostPort(e.cfg.Host, fmt.Sprintf("%d", e.cfg.Port))
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}

	e.logger.Info("SSH connection established", zap.String("addr", addr))
	e.client = client
	return client, nil
}

// authMethods builds the auth chain: key first when configured, password as
// fallback.
func (e *SSHExecutor) authMethods() ([]ssh.AuthMethod, error) {
	var auths []ssh.AuthMethod

	if e.cfg.KeyPath != "" {
		keyPath := expandHome(e.cfg.KeyPath)
		if key, err := os.ReadFile(keyPath); err == nil {
			signer, err := ssh.ParsePrivateKey(key)
			if err != nil {
				return nil, fmt.Errorf("parse private key %s: %w", keyPath, err)
			}
			auths = append(auths, ssh.PublicKeys(signer))
		}
	}
	if e.cfg.Password != "" {
		auths = append(auths, ssh.Password(e.cfg.Password))
	}

	if len(auths) == 0 {
		return nil, fmt.Errorf("no usable ssh auth method: set a key path or password")
	}
	return auths, nil
}

func (e *SSHExecutor) dropConnection() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		e.client.Close()
		e.client = nil
	}
}

// Close tears down the remote connection.
func (e *SSHExecutor) Close() {
	if e == nil {
		return
	}
	e.dropConnection()
}

func (e *SSHExecutor) setupFailure(err error) *Result {
	e.logger.Warn("Remote execution setup failed", zap.Error(err))
	return &Result{
		ExitCode:      255,
		Stderr:        err.Error(),
		ExecutionType: TypeRemote,
	}
}

func streamLines(wg *sync.WaitGroup, r io.Reader, buf *bytes.Buffer, emit func(string)) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text() + "\n"
		buf.WriteString(line)
		emit(line)
	}
}

func expandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
