package tmux

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"
)

// Double is a FAKE with SPY capabilities for the Backend interface.
//
//   - FAKE: working in-memory sessions, no tmux process involved
//   - SPY: records sent keys, kills and popups for verification
//
// Errors and latency can be injected per operation so callers' failure
// handling can be exercised without a real server.
type Double struct {
	mu       sync.Mutex
	sessions map[string]*doubleSession
	errs     map[string]error
	delays   map[string]time.Duration
	gate     chan struct{}

	exitOnStart bool

	killCalls []string
	popups    []string
	calls     map[string]int

	// Now supplies activity timestamps. Defaults to time.Now.
	Now func() time.Time
}

type doubleSession struct {
	command  string
	workdir  string
	env      map[string]string
	output   []string
	sent     []string
	activity time.Time
	attached bool
}

// Operation names accepted by SetError.
const (
	OpPing        = "ping"
	OpList        = "list"
	OpCapture     = "capture"
	OpSend        = "send"
	OpNewSession  = "new"
	OpKillSession = "kill"
	OpPopup       = "popup"
)

// NewDouble creates an empty in-memory backend.
func NewDouble() *Double {
	return &Double{
		sessions: make(map[string]*doubleSession),
		errs:     make(map[string]error),
		delays:   make(map[string]time.Duration),
		calls:    make(map[string]int),
		Now:      time.Now,
	}
}

var _ Backend = (*Double)(nil)

// SetError makes every call of op fail with err until cleared with nil.
func (d *Double) SetError(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.errs, op)
		return
	}
	d.errs[op] = err
}

// SetCaptureDelay makes CapturePane on target block for delay or until the
// caller's context ends.
func (d *Double) SetCaptureDelay(target string, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delays[target] = delay
}

// SetNewSessionGate makes NewSession wait for a receive on gate before
// creating the session.
func (d *Double) SetNewSessionGate(gate chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gate = gate
}

// SetExitOnStart makes new sessions vanish immediately, as when the launched
// command dies at once.
func (d *Double) SetExitOnStart(exit bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exitOnStart = exit
}

// SetOutput replaces the pane contents of name and bumps its activity.
func (d *Double) SetOutput(name string, lines ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[name]; ok {
		s.output = append([]string(nil), lines...)
		s.activity = d.Now()
	}
}

// SetActivity overrides the activity timestamp reported for name.
func (d *Double) SetActivity(name string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[name]; ok {
		s.activity = at
	}
}

// AddSession creates a session directly, bypassing NewSession.
func (d *Double) AddSession(name string, lines ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[name] = &doubleSession{output: lines, activity: d.Now()}
}

// Exit removes a session as if its process ended.
func (d *Double) Exit(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, name)
}

// StopServer drops every session, as when tmux exits after its last session
// ends. Calls naming a session then fail with ErrNotFound, as Client does.
func (d *Double) StopServer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.sessions)
}

// Has reports whether the session exists.
func (d *Double) Has(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.sessions[name]
	return ok
}

// Sent returns the text sent to name, one entry per SendKeys call.
func (d *Double) Sent(name string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[name]; ok {
		return append([]string(nil), s.sent...)
	}
	return nil
}

// Command returns the command the session was started with.
func (d *Double) Command(name string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[name]; ok {
		return s.command
	}
	return ""
}

// Env returns a copy of the environment the session was started with.
func (d *Double) Env(name string) map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[name]; ok {
		return maps.Clone(s.env)
	}
	return nil
}

// KillCalls returns every name KillSession was called with.
func (d *Double) KillCalls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.killCalls...)
}

// Popups returns every target OpenPopup was called with.
func (d *Double) Popups() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.popups...)
}

// Calls returns how many times op was invoked.
func (d *Double) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

func (d *Double) enter(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[op]++
	return d.errs[op]
}

func (d *Double) Ping(ctx context.Context) error {
	return d.enter(OpPing)
}

func (d *Double) ListSessions(ctx context.Context) ([]Session, error) {
	if err := d.enter(OpList); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Session, 0, len(d.sessions))
	for name, s := range d.sessions {
		out = append(out, Session{Name: name, LastActivity: s.activity, Attached: s.attached})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *Double) CapturePane(ctx context.Context, target string, lines int) (string, error) {
	if err := d.enter(OpCapture); err != nil {
		return "", err
	}
	d.mu.Lock()
	delay := d.delays[target]
	d.mu.Unlock()
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("capture %s: %w", target, ctx.Err())
		case <-timer.C:
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[target]
	if !ok {
		return "", fmt.Errorf("capture %s: %w", target, ErrNotFound)
	}
	out := s.output
	if lines > 0 && len(out) > lines {
		out = out[len(out)-lines:]
	}
	return strings.Join(out, "\n"), nil
}

func (d *Double) SendKeys(ctx context.Context, target, text string, enter bool) error {
	if err := d.enter(OpSend); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[target]
	if !ok {
		return fmt.Errorf("send-keys %s: %w", target, ErrNotFound)
	}
	s.sent = append(s.sent, text)
	if text != "" {
		s.output = append(s.output, text)
	}
	return nil
}

func (d *Double) NewSession(ctx context.Context, name, command, workdir string, env map[string]string) error {
	if err := d.enter(OpNewSession); err != nil {
		return err
	}
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ValidateSessionName(name); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.sessions[name]; exists {
		return fmt.Errorf("new-session %s: duplicate session", name)
	}
	if d.exitOnStart {
		return nil
	}
	d.sessions[name] = &doubleSession{
		command:  command,
		workdir:  workdir,
		env:      maps.Clone(env),
		activity: d.Now(),
	}
	return nil
}

func (d *Double) KillSession(ctx context.Context, name string) error {
	if err := d.enter(OpKillSession); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.killCalls = append(d.killCalls, name)
	if _, ok := d.sessions[name]; !ok {
		return fmt.Errorf("kill-session %s: %w", name, ErrNotFound)
	}
	delete(d.sessions, name)
	return nil
}

func (d *Double) OpenPopup(ctx context.Context, target string) error {
	if err := d.enter(OpPopup); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sessions[target]; !ok {
		return fmt.Errorf("popup %s: %w", target, ErrNotFound)
	}
	d.popups = append(d.popups, target)
	return nil
}
