package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Runtime is the container runtime that enforces a sandboxed invocation.
type Runtime interface {
	// Check verifies the runtime is reachable and the image is available.
	Check(ctx context.Context, image string) error
	// Remove force-removes a container. A missing container is not an error.
	Remove(ctx context.Context, container string) error
}

// Docker drives the docker CLI.
type Docker struct {
	// Binary defaults to "docker".
	Binary string
	// Pull fetches a missing image during Check.
	Pull bool
}

var _ Runtime = (*Docker)(nil)

func (d *Docker) bin() string {
	if d.Binary == "" {
		return "docker"
	}
	return d.Binary
}

func (d *Docker) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.bin(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", d.bin(), strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Check verifies the daemon answers and the image exists locally, pulling
// it when Pull is set.
func (d *Docker) Check(ctx context.Context, image string) error {
	if _, err := d.run(ctx, "version", "--format", "{{.Server.Version}}"); err != nil {
		return fmt.Errorf("container runtime not reachable: %w", err)
	}
	if _, err := d.run(ctx, "image", "inspect", "--format", "{{.Id}}", image); err == nil {
		return nil
	} else if !d.Pull {
		return fmt.Errorf("image %s not present: %w", image, err)
	}
	if _, err := d.run(ctx, "pull", image); err != nil {
		return fmt.Errorf("pull %s: %w", image, err)
	}
	return nil
}

// Remove runs docker rm -f.
func (d *Docker) Remove(ctx context.Context, container string) error {
	_, err := d.run(ctx, "rm", "-f", container)
	if err != nil && strings.Contains(err.Error(), "No such container") {
		return nil
	}
	return err
}

// ResolveBinary finds the host path of the program a command line starts
// with, following symlinks so the real file is mounted.
func ResolveBinary(command string) (string, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: empty command", ErrBinaryUnresolved)
	}
	path, err := exec.LookPath(fields[0])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBinaryUnresolved, err)
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if real, err := filepath.EvalSymlinks(path); err == nil {
		path = real
	}
	return path, nil
}

// DefaultCredentialDir returns ~/.claude.
func DefaultCredentialDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".claude"), nil
}
