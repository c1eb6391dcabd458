package tmux

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var (
	// ErrBackendUnavailable means tmux could not be executed or reached.
	ErrBackendUnavailable = errors.New("session backend unavailable")
	// ErrNotFound means the named session or pane does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrPermissionDenied means tmux refused access to its socket.
	ErrPermissionDenied = errors.New("session backend permission denied")
)

var notFoundMarkers = []string{
	"can't find session",
	"can't find pane",
	"can't find window",
	"session not found",
	"no such session",
}

var unavailableMarkers = []string{
	"error connecting to",
	"server exited unexpectedly",
	"lost server",
}

// classify wraps a failed command with the sentinel matching its stderr.
func classify(bin string, args []string, err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	cmdline := bin + " " + strings.Join(args, " ")

	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%s: %w: %v", cmdline, ErrBackendUnavailable, err)
	}

	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, notFoundMarkers):
		return fmt.Errorf("%s: %w: %s", cmdline, ErrNotFound, msg)
	case strings.Contains(lower, "permission denied"):
		return fmt.Errorf("%s: %w: %s", cmdline, ErrPermissionDenied, msg)
	case containsAny(lower, unavailableMarkers):
		return fmt.Errorf("%s: %w: %s", cmdline, ErrBackendUnavailable, msg)
	}
	return fmt.Errorf("%s: %w: %s", cmdline, err, msg)
}

// isNoServer reports whether stderr says no tmux server is running, which
// list-sessions treats as an empty fleet.
func isNoServer(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no server running") ||
		strings.Contains(msg, "no sessions") ||
		(strings.Contains(msg, "error connecting to") && strings.Contains(msg, "No such file or directory"))
}

// sessionGone maps a missing server to ErrNotFound for commands aimed at one
// session. tmux exits with its last session, so a dead server means the
// target is gone rather than the backend being down.
func sessionGone(target string, err error) error {
	if isNoServer(err) {
		return fmt.Errorf("%s: %w: no tmux server running (%v)", target, ErrNotFound, err)
	}
	return err
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
