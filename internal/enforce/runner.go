// Package enforce pushes rendered packet-filter and shaper configuration into
// the kernel. Everything here shells out; callers only see the Enforcer
// interface.
package enforce

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/natefinch/atomic"
)

// DefaultTimeout bounds a single external command.
const DefaultTimeout = 30 * time.Second

// stderrExcerpt is how much of a failing command's output ends up in errors.
const stderrExcerpt = 512

// Command is one external invocation.
type Command struct {
	Name  string
	Args  []string
	Stdin io.Reader
}

func (c Command) String() string {
	return shellquote.Join(append([]string{c.Name}, c.Args...)...)
}

// Runner executes commands and writes files on the enforcement target.
type Runner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error
}

// LocalRunner runs commands on this host.
type LocalRunner struct {
	Timeout time.Duration
}

// NewLocalRunner returns a LocalRunner; a non-positive timeout means DefaultTimeout.
func NewLocalRunner(timeout time.Duration) *LocalRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &LocalRunner{Timeout: timeout}
}

func (r *LocalRunner) Run(ctx context.Context, cmd Command) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Stdin = cmd.Stdin
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		return stdout.Bytes(), commandError(cmd, err, stderr.Bytes())
	}
	return stdout.Bytes(), nil
}

func (r *LocalRunner) WriteFile(_ context.Context, path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

func commandError(cmd Command, err error, output []byte) error {
	msg := strings.TrimSpace(string(output))
	if len(msg) > stderrExcerpt {
		msg = msg[:stderrExcerpt] + "..."
	}
	if msg == "" {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return fmt.Errorf("%s: %w: %s", cmd, err, msg)
}
