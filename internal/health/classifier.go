// Package health derives an agent's health state from its recent pane output
// and how long it has been quiet.
package health

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/Dicklesworthstone/omar/internal/agent"
)

// ErrClassificationTimeout marks a capture that did not finish in time. The
// agent is treated as stuck for that cycle.
var ErrClassificationTimeout = errors.New("classification timed out")

// Config controls classification.
type Config struct {
	IdleWarning     time.Duration
	IdleCritical    time.Duration
	ErrorPatterns   []string
	WaitingPatterns []string
	WorkingPatterns []string
	// TailLines bounds how much output is examined per agent.
	TailLines int
}

// DefaultConfig returns the default thresholds and pattern sets.
func DefaultConfig() Config {
	return Config{
		IdleWarning:     60 * time.Second,
		IdleCritical:    300 * time.Second,
		ErrorPatterns:   DefaultErrorPatterns(),
		WaitingPatterns: DefaultWaitingPatterns(),
		WorkingPatterns: DefaultWorkingPatterns(),
		TailLines:       20,
	}
}

// Classifier maps (tail, idle time) to a health state. It holds only
// compiled configuration and is safe for concurrent use.
type Classifier struct {
	warning  time.Duration
	critical time.Duration
	lines    int
	errors   []*regexp.Regexp
	waiting  []*regexp.Regexp
	working  []*regexp.Regexp
}

// New compiles cfg. Error patterns are matched case-insensitively.
func New(cfg Config) (*Classifier, error) {
	if cfg.IdleWarning <= 0 {
		return nil, fmt.Errorf("idle warning must be positive, got %s", cfg.IdleWarning)
	}
	if cfg.IdleCritical <= cfg.IdleWarning {
		return nil, fmt.Errorf("idle critical (%s) must exceed idle warning (%s)", cfg.IdleCritical, cfg.IdleWarning)
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = 20
	}

	c := &Classifier{warning: cfg.IdleWarning, critical: cfg.IdleCritical, lines: cfg.TailLines}
	var err error
	if c.errors, err = compile(cfg.ErrorPatterns, "(?i)"); err != nil {
		return nil, fmt.Errorf("error patterns: %w", err)
	}
	if c.waiting, err = compile(cfg.WaitingPatterns, ""); err != nil {
		return nil, fmt.Errorf("waiting patterns: %w", err)
	}
	if c.working, err = compile(cfg.WorkingPatterns, ""); err != nil {
		return nil, fmt.Errorf("working patterns: %w", err)
	}
	return c, nil
}

// MustNew is New that panics, for defaults and tests.
func MustNew(cfg Config) *Classifier {
	c, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return c
}

func compile(patterns []string, flags string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile(flags + p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// TailLines is the number of trailing lines the classifier examines.
func (c *Classifier) TailLines() int { return c.lines }

// Thresholds returns the idle warning and critical durations.
func (c *Classifier) Thresholds() (warning, critical time.Duration) {
	return c.warning, c.critical
}

// Classify applies, in order: error patterns, awaiting-input patterns,
// working patterns, then the idle thresholds. The first match wins.
func (c *Classifier) Classify(tail string, idle time.Duration) agent.State {
	text := Tail(tail, c.lines)

	if matchAny(c.errors, text) {
		return agent.StateStuck
	}
	if matchAny(c.waiting, text) {
		return agent.StateWaitingForInput
	}
	if matchAny(c.working, text) {
		return agent.StateWorking
	}
	switch {
	case idle < c.warning:
		return agent.StateWorking
	case idle < c.critical:
		return agent.StateIdle
	default:
		return agent.StateStuck
	}
}

// Evaluate classifies a record from its cached observation. A failed or
// timed out capture is stuck.
func (c *Classifier) Evaluate(rec agent.Record, now time.Time) agent.State {
	if rec.Observation.Failed {
		return agent.StateStuck
	}
	return c.Classify(rec.Observation.Tail, rec.IdleFor(now))
}

func matchAny(res []*regexp.Regexp, text string) bool {
	for _, re := range res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Tail strips escape sequences, drops trailing blank lines (tmux pads the
// capture to the pane height) and keeps the last n lines.
func Tail(text string, n int) string {
	text = ansi.Strip(text)
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	lines = lines[:end]
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
