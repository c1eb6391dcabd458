package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dicklesworthstone/omar/internal/agent"
	"github.com/Dicklesworthstone/omar/internal/health"
)

// snippetWidth bounds lastOutputSnippet in display cells.
const snippetWidth = 80

// AgentView is the list-level projection of a record with derived health.
type AgentView struct {
	ID          string      `json:"id" yaml:"id"`
	Role        agent.Role  `json:"role" yaml:"role"`
	Parent      string      `json:"parent,omitempty" yaml:"parent,omitempty"`
	Health      agent.State `json:"health" yaml:"health"`
	IdleSeconds int64       `json:"idleSeconds" yaml:"idleSeconds"`
	Snippet     string      `json:"lastOutputSnippet" yaml:"lastOutputSnippet"`
	Sandboxed   bool        `json:"sandboxed" yaml:"sandboxed"`
	Attached    bool        `json:"attached" yaml:"attached"`
	Task        string      `json:"task,omitempty" yaml:"task,omitempty"`
	CreatedAt   time.Time   `json:"createdAt" yaml:"createdAt"`
}

// Fleet is the list response.
type Fleet struct {
	Agents     []AgentView   `json:"agents" yaml:"agents"`
	Counts     health.Counts `json:"counts" yaml:"counts"`
	Unassigned []string      `json:"unassigned" yaml:"unassigned"`
}

// Detail is one agent with a fresh capture.
type Detail struct {
	agent.Record
	Health      agent.State `json:"health"`
	IdleSeconds int64       `json:"idleSeconds"`
	OutputTail  string      `json:"outputTail"`
	Children    []string    `json:"children"`
}

func (s *Supervisor) view(c *health.Classifier, rec agent.Record, now time.Time) AgentView {
	st := c.Evaluate(rec, now)
	return AgentView{
		ID:          rec.ID,
		Role:        rec.Role,
		Parent:      rec.ParentID,
		Health:      st,
		IdleSeconds: int64(rec.IdleFor(now) / time.Second),
		Snippet:     health.Snippet(rec.Observation.Tail, snippetWidth),
		Sandboxed:   rec.Sandboxed,
		Attached:    rec.Attached,
		Task:        rec.Task,
		CreatedAt:   rec.CreatedAt,
	}
}

// List returns every live agent with health derived now from its last
// capture and idle time.
func (s *Supervisor) List() Fleet {
	c := s.classifier.Load()
	now := s.now()
	recs := s.reg.Snapshot()

	fleet := Fleet{Agents: make([]AgentView, 0, len(recs)), Unassigned: []string{}}
	for _, rec := range recs {
		v := s.view(c, rec, now)
		fleet.Counts.Add(v.Health)
		fleet.Agents = append(fleet.Agents, v)
		if rec.ParentID == "" && !rec.IsManager() {
			fleet.Unassigned = append(fleet.Unassigned, rec.ID)
		}
	}
	return fleet
}

// Get captures the agent's pane now and classifies the fresh output.
func (s *Supervisor) Get(ctx context.Context, id string) (Detail, error) {
	rec, err := s.reg.Get(id)
	if err != nil {
		return Detail{}, err
	}
	c := s.classifier.Load()

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CaptureTimeout)
	out, capErr := s.backend.CapturePane(cctx, rec.Handle, s.cfg.DetailLines)
	cancel()

	now := s.now()
	obs := s.observation(rec.ID, out, capErr, c.TailLines(), now)
	if _, err := s.reg.Observe(id, obs); err != nil {
		return Detail{}, err
	}
	rec.Observation = obs

	tail := health.Tail(out, s.cfg.DetailLines)
	if capErr != nil {
		tail = ""
	}
	d := Detail{
		Record:      rec,
		Health:      c.Evaluate(rec, now),
		IdleSeconds: int64(rec.IdleFor(now) / time.Second),
		OutputTail:  tail,
		Children:    []string{},
	}
	for _, child := range s.reg.Children(id) {
		d.Children = append(d.Children, child.ID)
	}
	return d, nil
}

// observation turns a capture result into the cached observation.
func (s *Supervisor) observation(id, out string, err error, lines int, now time.Time) agent.Observation {
	obs := agent.Observation{CapturedAt: now}
	if err == nil {
		obs.Tail = health.Tail(out, lines)
		return obs
	}
	obs.Failed = true
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s", health.ErrClassificationTimeout, s.cfg.CaptureTimeout)
	}
	obs.Err = err.Error()
	s.logger.Warn("capture failed", "agent", id, "err", err)
	return obs
}
