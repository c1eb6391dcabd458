// Package agent holds the data model shared by the registry, the health
// classifier and the control surface.
package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role determines sandbox policy and correlation eligibility.
type Role string

const (
	RoleManager Role = "manager"
	RoleWorker  Role = "worker"
	RoleCommand Role = "command"
)

// ParseRole converts a user supplied role name. The empty string means worker.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case "", RoleWorker:
		return RoleWorker, nil
	case RoleManager:
		return RoleManager, nil
	case RoleCommand:
		return RoleCommand, nil
	default:
		return "", fmt.Errorf("unknown role %q (want manager, worker or command)", s)
	}
}

// State is the derived health of an agent.
type State int

const (
	StateWorking State = iota
	StateWaitingForInput
	StateIdle
	StateStuck
)

var stateNames = map[State]string{
	StateWorking:         "working",
	StateWaitingForInput: "waitingForInput",
	StateIdle:            "idle",
	StateStuck:           "stuck",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// MarshalYAML encodes the state by name.
func (s State) MarshalYAML() (any, error) {
	return s.String(), nil
}

// UnmarshalJSON accepts the names produced by MarshalJSON.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for st, n := range stateNames {
		if n == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown health state %q", name)
}

// Observation is the latest pane capture for an agent. It caches input to the
// classifier; it is not itself a health verdict.
type Observation struct {
	Tail       string    `json:"-"`
	CapturedAt time.Time `json:"capturedAt,omitzero"`
	// Failed is set when the last capture errored or timed out.
	Failed bool   `json:"failed,omitempty"`
	Err    string `json:"error,omitempty"`
}

// Record is one live agent.
type Record struct {
	ID           string      `json:"id"`
	Role         Role        `json:"role"`
	ParentID     string      `json:"parent,omitempty"`
	Task         string      `json:"task,omitempty"`
	Command      string      `json:"command"`
	Workdir      string      `json:"workdir"`
	Handle       string      `json:"session"`
	Container    string      `json:"container,omitempty"`
	Sandboxed    bool        `json:"sandboxed"`
	Attached     bool        `json:"attached"`
	CreatedAt    time.Time   `json:"createdAt"`
	LastActivity time.Time   `json:"lastActivityAt"`
	Token        string      `json:"-"`
	Observation  Observation `json:"observation"`
}

// IdleFor returns how long the agent has produced no output as of now.
func (r Record) IdleFor(now time.Time) time.Duration {
	if r.LastActivity.IsZero() || now.Before(r.LastActivity) {
		return 0
	}
	return now.Sub(r.LastActivity)
}

// IsManager reports whether the record holds the manager role.
func (r Record) IsManager() bool {
	return r.Role == RoleManager
}
