package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Client handles tmux operations, optionally on a remote host
type Client struct {
	Remote string // "user@host" or empty for local
	Socket string // tmux -L socket name, empty for the default server
}

// NewClient creates a new tmux client
func NewClient(remote string) *Client {
	return &Client{Remote: remote}
}

var _ Backend = (*Client)(nil)

// Run executes a tmux command and returns trimmed stdout. Failures are
// classified into ErrBackendUnavailable, ErrNotFound or ErrPermissionDenied
// where the cause is recognisable.
func (c *Client) Run(ctx context.Context, args ...string) (string, error) {
	if c.Socket != "" {
		args = append([]string{"-L", c.Socket}, args...)
	}
	if c.Remote == "" {
		return runLocal(ctx, args...)
	}

	// ssh joins its arguments with spaces, so each one is quoted for the
	// remote shell.
	sshArgs := []string{c.Remote, "tmux"}
	for _, a := range args {
		sshArgs = append(sshArgs, shellQuote(a))
	}
	return runSSH(ctx, sshArgs...)
}

// runLocal executes a tmux command locally
func runLocal(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("tmux %s: %w", args[0], ctxErr)
		}
		return "", classify("tmux", args, err, stderr.String())
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

// runSSH executes an ssh command and returns stdout
func runSSH(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "ssh", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("ssh %s: %w", args[0], ctxErr)
		}
		// ssh exits 255 when the connection itself failed.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 255 {
			return "", fmt.Errorf("ssh %s: %w: %s", args[0], ErrBackendUnavailable, strings.TrimSpace(stderr.String()))
		}
		return "", classify("ssh", args, err, stderr.String())
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

// RunSilent executes a tmux command ignoring output
func (c *Client) RunSilent(ctx context.Context, args ...string) error {
	_, err := c.Run(ctx, args...)
	return err
}

// IsInstalled checks if tmux is available on the target host
func (c *Client) IsInstalled(ctx context.Context) bool {
	if c.Remote == "" {
		_, err := exec.LookPath("tmux")
		return err == nil
	}
	return c.RunSilent(ctx, "-V") == nil
}

// Ping verifies that tmux can be executed. A missing server is fine: it is
// started by the first new-session.
func (c *Client) Ping(ctx context.Context) error {
	if !c.IsInstalled(ctx) {
		return fmt.Errorf("tmux not found on %s: %w", c.host(), ErrBackendUnavailable)
	}
	if err := c.RunSilent(ctx, "-V"); err != nil {
		return fmt.Errorf("tmux -V: %w", ErrBackendUnavailable)
	}
	return nil
}

func (c *Client) host() string {
	if c.Remote == "" {
		return "localhost"
	}
	return c.Remote
}

// shellQuote single-quotes s unless it only contains characters that are
// safe for a POSIX shell.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !isShellSafe(r) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isShellSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("-_/.:=,@%+", r)
}
