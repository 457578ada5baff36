package enforce

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHRunner runs enforcement commands on a remote router. The connection is
// dialed on first use and re-dialed after a failure.
type SSHRunner struct {
	host    string
	config  *ssh.ClientConfig
	timeout time.Duration

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHRunner authenticates as user with the private key at keyPath. Host
// keys are checked against ~/.ssh/known_hosts.
func NewSSHRunner(host, user, keyPath string, timeout time.Duration) (*SSHRunner, error) {
	keyPEM, err := os.ReadFile(expandHome(keyPath))
	if err != nil {
		return nil, fmt.Errorf("reading SSH key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing SSH key: %w", err)
	}
	hostKeys, err := knownhosts.New(expandHome("~/.ssh/known_hosts"))
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	addr := host
	if !strings.Contains(addr, ":") {
		addr += ":22"
	}
	return &SSHRunner{
		host: addr,
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeys,
			Timeout:         15 * time.Second,
		},
		timeout: timeout,
	}, nil
}

// Close shuts down the SSH connection, if any.
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

func (r *SSHRunner) session() (*ssh.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		client, err := ssh.Dial("tcp", r.host, r.config)
		if err != nil {
			return nil, fmt.Errorf("SSH dial %s: %w", r.host, err)
		}
		r.client = client
	}
	sess, err := r.client.NewSession()
	if err != nil {
		r.client.Close()
		r.client = nil
		return nil, fmt.Errorf("new session on %s: %w", r.host, err)
	}
	return sess, nil
}

func (r *SSHRunner) Run(ctx context.Context, cmd Command) ([]byte, error) {
	return r.run(ctx, cmd)
}

// WriteFile streams data to a sibling temp file and renames it into place.
func (r *SSHRunner) WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	script := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %o %s && mv -f %s %s",
		shellquote.Join(filepath.Dir(path)),
		shellquote.Join(tmp),
		perm.Perm(), shellquote.Join(tmp),
		shellquote.Join(tmp), shellquote.Join(path),
	)
	cmd := Command{Name: "sh", Args: []string{"-c", script}, Stdin: bytes.NewReader(data)}
	if _, err := r.run(ctx, cmd); err != nil {
		return fmt.Errorf("writing %s on %s: %w", path, r.host, err)
	}
	return nil
}

func (r *SSHRunner) run(ctx context.Context, cmd Command) ([]byte, error) {
	sess, err := r.session()
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	if cmd.Stdin != nil {
		sess.Stdin = cmd.Stdin
	}
	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd.String()) }()
	select {
	case err := <-done:
		if err != nil {
			return stdout.Bytes(), commandError(cmd, err, stderr.Bytes())
		}
		return stdout.Bytes(), nil
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		sess.Close()
		<-done
		return nil, fmt.Errorf("%s on %s: %w", cmd, r.host, ctx.Err())
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
