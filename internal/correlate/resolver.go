// Package correlate infers which manager spawned a new agent.
//
// Attribution is a ladder; the first rule that applies wins:
//
//  1. an explicit parent naming a live agent
//  2. the caller's verified identity, when it is a live manager
//  3. a name sharing the configured prefix with exactly one live manager
//  4. the only live manager
//
// Otherwise the agent is left unassigned.
package correlate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Dicklesworthstone/omar/internal/agent"
)

// Match modes for the name-prefix rule.
const (
	// ModeName matches workers named "<manager-id><delimiter>...".
	ModeName = "name"
	// ModeSegment compares the first Segments delimiter-separated segments,
	// after stripping ManagerPrefix from the manager's id.
	ModeSegment = "segment"
)

// Config is the [correlation] configuration section.
type Config struct {
	Delimiter     string `toml:"delimiter" json:"delimiter" yaml:"delimiter"`
	Mode          string `toml:"mode" json:"mode" yaml:"mode"`
	Segments      int    `toml:"segments" json:"segments" yaml:"segments"`
	ManagerPrefix string `toml:"manager_prefix" json:"manager_prefix" yaml:"manager_prefix"`
}

// DefaultConfig matches workers named after their manager with "-".
func DefaultConfig() Config {
	return Config{Delimiter: "-", Mode: ModeName, Segments: 1}
}

// Validate checks the section.
func (c Config) Validate() error {
	if c.Delimiter == "" {
		return errors.New("correlation delimiter must not be empty")
	}
	switch c.Mode {
	case ModeName:
	case ModeSegment:
		if c.Segments < 1 {
			return fmt.Errorf("correlation segments must be at least 1, got %d", c.Segments)
		}
	default:
		return fmt.Errorf("unknown correlation mode %q (want %s or %s)", c.Mode, ModeName, ModeSegment)
	}
	return nil
}

// Rule names the ladder step that produced a result.
type Rule string

const (
	RuleExplicit    Rule = "explicit"
	RuleIdentity    Rule = "identity"
	RulePrefix      Rule = "prefix"
	RuleSoleManager Rule = "sole-manager"
	RuleUnassigned  Rule = "unassigned"
)

// Request is a spawn as seen by the resolver.
type Request struct {
	Name   string
	Parent string
	// Caller is the id of the requesting agent when its identity was
	// verified, empty otherwise.
	Caller string
}

// Result is the resolved parent, empty when unassigned.
type Result struct {
	ParentID string
	Rule     Rule
}

// Resolver applies the ladder. It is pure and safe for concurrent use.
type Resolver struct {
	cfg Config
}

// New creates a resolver.
func New(cfg Config) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Resolver{cfg: cfg}, nil
}

// Resolve picks the parent for req among the live records.
func (r *Resolver) Resolve(req Request, live []agent.Record) Result {
	byID := make(map[string]agent.Record, len(live))
	var managers []agent.Record
	for _, rec := range live {
		byID[rec.ID] = rec
		if rec.IsManager() {
			managers = append(managers, rec)
		}
	}

	if req.Parent != "" && req.Parent != req.Name {
		if _, ok := byID[req.Parent]; ok {
			return Result{ParentID: req.Parent, Rule: RuleExplicit}
		}
	}
	if req.Caller != "" && req.Caller != req.Name {
		if rec, ok := byID[req.Caller]; ok && rec.IsManager() {
			return Result{ParentID: req.Caller, Rule: RuleIdentity}
		}
	}

	var matched []string
	for _, m := range managers {
		if m.ID != req.Name && r.matches(req.Name, m.ID) {
			matched = append(matched, m.ID)
		}
	}
	if len(matched) == 1 {
		return Result{ParentID: matched[0], Rule: RulePrefix}
	}

	if len(managers) == 1 && managers[0].ID != req.Name {
		return Result{ParentID: managers[0].ID, Rule: RuleSoleManager}
	}
	return Result{Rule: RuleUnassigned}
}

func (r *Resolver) matches(name, manager string) bool {
	d := r.cfg.Delimiter
	switch r.cfg.Mode {
	case ModeSegment:
		key := strings.TrimPrefix(manager, r.cfg.ManagerPrefix)
		want := segments(key, d, r.cfg.Segments)
		got := segments(name, d, r.cfg.Segments)
		return want != "" && want == got
	default:
		return strings.HasPrefix(name, manager+d)
	}
}

// segments returns the first n delimiter-separated segments of s, or "" when
// s has fewer than n segments.
func segments(s, delim string, n int) string {
	parts := strings.SplitN(s, delim, n+1)
	if len(parts) < n {
		return ""
	}
	for _, p := range parts[:n] {
		if p == "" {
			return ""
		}
	}
	return strings.Join(parts[:n], delim)
}
