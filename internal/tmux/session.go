// Package tmux is the session backend: it creates, inspects, feeds and kills
// the terminal sessions that host agents.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Session represents a tmux session
type Session struct {
	Name         string
	LastActivity time.Time
	Attached     bool
	PID          int
}

// Backend is the set of terminal operations the orchestrator needs. Every
// call may block on an external process and honours ctx.
type Backend interface {
	Ping(ctx context.Context) error
	ListSessions(ctx context.Context) ([]Session, error)
	CapturePane(ctx context.Context, target string, lines int) (string, error)
	SendKeys(ctx context.Context, target, text string, enter bool) error
	NewSession(ctx context.Context, name, command, workdir string, env map[string]string) error
	KillSession(ctx context.Context, name string) error
	OpenPopup(ctx context.Context, target string) error
}

// listFormat uses a separator that cannot appear in a session name.
const listFormat = "#{session_name}|#{session_activity}|#{session_attached}|#{pane_pid}"

// ListSessions returns all tmux sessions
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	output, err := c.Run(ctx, "list-sessions", "-F", listFormat)
	if err != nil {
		// No sessions is not an error
		if isNoServer(err) {
			return nil, nil
		}
		return nil, err
	}
	return parseSessions(output), nil
}

// parseSessions parses list-sessions output produced with listFormat.
// Malformed lines are skipped.
func parseSessions(output string) []Session {
	var sessions []Session
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// Split from the right so a '|' in the name survives.
		parts := strings.Split(line, "|")
		if len(parts) < 4 {
			continue
		}
		n := len(parts)
		name := strings.Join(parts[:n-3], "|")
		activity, _ := strconv.ParseInt(parts[n-3], 10, 64)
		pid, _ := strconv.Atoi(parts[n-1])

		s := Session{
			Name:     name,
			Attached: parts[n-2] != "0" && parts[n-2] != "",
			PID:      pid,
		}
		if activity > 0 {
			s.LastActivity = time.Unix(activity, 0)
		}
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Name < sessions[j].Name })
	return sessions
}

// CapturePane captures the last lines of a pane's output
func (c *Client) CapturePane(ctx context.Context, target string, lines int) (string, error) {
	if lines <= 0 {
		lines = 50
	}
	out, err := c.Run(ctx, "capture-pane", "-t", target, "-p", "-S", fmt.Sprintf("-%d", lines))
	return out, sessionGone(target, err)
}

// SendKeys types text into a pane literally, then presses Enter if asked.
func (c *Client) SendKeys(ctx context.Context, target, text string, enter bool) error {
	if text != "" {
		if err := c.RunSilent(ctx, "send-keys", "-t", target, "-l", "--", text); err != nil {
			return sessionGone(target, err)
		}
	}
	if enter {
		return sessionGone(target, c.RunSilent(ctx, "send-keys", "-t", target, "Enter"))
	}
	return nil
}

// NewSession starts a detached session running command in workdir.
func (c *Client) NewSession(ctx context.Context, name, command, workdir string, env map[string]string) error {
	if err := ValidateSessionName(name); err != nil {
		return err
	}
	args := []string{"new-session", "-d", "-s", name}
	if workdir != "" {
		args = append(args, "-c", workdir)
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+env[k])
	}
	if command != "" {
		args = append(args, command)
	}
	return c.RunSilent(ctx, args...)
}

// KillSession kills a tmux session
func (c *Client) KillSession(ctx context.Context, name string) error {
	return sessionGone(name, c.RunSilent(ctx, "kill-session", "-t", name))
}

// OpenPopup shows the session in a popup over the operator's current
// client, or attaches directly when not inside tmux.
func (c *Client) OpenPopup(ctx context.Context, target string) error {
	if !InTmux() || c.Remote != "" {
		return c.attach(ctx, target)
	}
	return c.RunSilent(ctx, "display-popup", "-E", "-w", "80%", "-h", "80%",
		"tmux attach -t "+shellQuote(target))
}

func (c *Client) attach(ctx context.Context, target string) error {
	var cmd *exec.Cmd
	if c.Remote == "" {
		cmd = exec.CommandContext(ctx, "tmux", "attach", "-t", target)
	} else {
		cmd = exec.CommandContext(ctx, "ssh", "-t", c.Remote, "tmux", "attach", "-t", shellQuote(target))
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("attach %s: %w", target, err)
	}
	return nil
}

// InTmux returns true if currently inside a tmux session
func InTmux() bool {
	return os.Getenv("TMUX") != ""
}

// ValidateSessionName checks if a session name is valid
func ValidateSessionName(name string) error {
	if name == "" {
		return errors.New("session name cannot be empty")
	}
	if strings.ContainsAny(name, ":.|") {
		return errors.New("session name cannot contain ':', '.' or '|'")
	}
	if strings.ContainsFunc(name, func(r rune) bool { return r <= ' ' || r == 0x7f }) {
		return errors.New("session name cannot contain whitespace or control characters")
	}
	return nil
}
