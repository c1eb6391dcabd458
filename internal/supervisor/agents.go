package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Dicklesworthstone/omar/internal/agent"
	"github.com/Dicklesworthstone/omar/internal/correlate"
	"github.com/Dicklesworthstone/omar/internal/events"
	"github.com/Dicklesworthstone/omar/internal/registry"
	"github.com/Dicklesworthstone/omar/internal/sandbox"
	"github.com/Dicklesworthstone/omar/internal/tmux"
)

// SpawnRequest describes a new agent. Only Task is meaningful to the agent;
// everything else has a default.
type SpawnRequest struct {
	Name    string
	Task    string
	Workdir string
	Command string
	Parent  string
	Role    string
	// Caller is the verified id of the requesting agent, if any.
	Caller string
}

// SpawnResult is the committed record plus how its parent was chosen.
type SpawnResult struct {
	Record agent.Record
	Rule   correlate.Rule
}

// Spawn starts a new agent session and registers it.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error) {
	role, err := agent.ParseRole(req.Role)
	if err != nil {
		return SpawnResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	command := strings.TrimSpace(req.Command)
	if command == "" {
		command = s.cfg.DefaultCommand
	}
	workdir := req.Workdir
	if workdir == "" {
		workdir = s.cfg.DefaultWorkdir
	}
	workdir, err = absWorkdir(workdir)
	if err != nil {
		return SpawnResult{}, fmt.Errorf("%w: workdir: %v", ErrInvalidRequest, err)
	}
	if fi, err := os.Stat(workdir); err != nil || !fi.IsDir() {
		return SpawnResult{}, fmt.Errorf("%w: workdir %s is not a directory", ErrInvalidRequest, workdir)
	}

	id, err := s.reserve(strings.TrimSpace(req.Name))
	if err != nil {
		return SpawnResult{}, err
	}
	committed := false
	defer func() {
		if !committed {
			s.reg.Release(id)
		}
	}()

	res := s.resolver.Resolve(correlate.Request{Name: id, Parent: req.Parent, Caller: req.Caller}, s.reg.Snapshot())

	token := uuid.NewString()
	env := map[string]string{
		EnvAgentID:    id,
		EnvAgentToken: token,
	}
	if s.cfg.APIURL != "" {
		env[EnvAPIURL] = s.cfg.APIURL
	}

	inv, err := s.decide(ctx, role, id, command, workdir, env)
	if err != nil {
		return SpawnResult{}, err
	}

	handle := s.handle(id)
	if err := s.backend.NewSession(ctx, handle, inv.Command(), workdir, env); err != nil {
		return SpawnResult{}, fmt.Errorf("start session %s: %w", handle, err)
	}
	if inv.Sandboxed {
		if err := s.confirmLaunch(ctx, handle); err != nil {
			_ = s.backend.KillSession(context.WithoutCancel(ctx), handle)
			s.removeContainer(ctx, inv.Container)
			return SpawnResult{}, err
		}
	}

	now := s.now()
	stored, err := s.reg.Commit(agent.Record{
		ID:           id,
		Role:         role,
		ParentID:     res.ParentID,
		Task:         req.Task,
		Command:      command,
		Workdir:      workdir,
		Handle:       handle,
		Container:    inv.Container,
		Sandboxed:    inv.Sandboxed,
		CreatedAt:    now,
		LastActivity: now,
		Token:        token,
	})
	if err != nil {
		_ = s.backend.KillSession(context.WithoutCancel(ctx), handle)
		return SpawnResult{}, err
	}
	committed = true

	rule := res.Rule
	if stored.ParentID != res.ParentID {
		rule = correlate.RuleUnassigned
	}
	s.logger.Info("agent spawned", "agent", id, "role", role, "parent", stored.ParentID, "rule", rule, "sandboxed", inv.Sandboxed)
	s.emit(events.TypeSpawned, id, "", "", map[string]any{
		"role":      string(role),
		"parent":    stored.ParentID,
		"rule":      string(rule),
		"sandboxed": inv.Sandboxed,
	})
	if rule == correlate.RuleUnassigned && role != agent.RoleManager {
		s.logger.Warn("spawned agent has no parent", "agent", id)
		s.emit(events.TypeUnassigned, id, "", "", nil)
	}

	if req.Task != "" {
		s.wg.Add(1)
		go s.deliverTask(id, req.Task)
	}
	return SpawnResult{Record: stored, Rule: rule}, nil
}

// reserve claims name, or the first free auto-generated name when empty.
func (s *Supervisor) reserve(name string) (string, error) {
	if name != "" {
		if err := tmux.ValidateSessionName(s.handle(name)); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return name, s.reg.Reserve(name)
	}
	for n := 1; n <= 10000; n++ {
		candidate := fmt.Sprintf("%s%d", s.cfg.AutoNamePrefix, n)
		err := s.reg.Reserve(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, registry.ErrDuplicateID) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: no free agent name with prefix %q", ErrInvalidRequest, s.cfg.AutoNamePrefix)
}

// decide resolves host paths for the sandbox policy and applies it.
func (s *Supervisor) decide(ctx context.Context, role agent.Role, id, command, workdir string, env map[string]string) (sandbox.Invocation, error) {
	spec := sandbox.LaunchSpec{
		Name:     id,
		Command:  command,
		Workdir:  workdir,
		StateDir: s.cfg.StateDir,
	}
	sandboxed := s.cfg.Sandbox.Enabled && role != agent.RoleManager
	if sandboxed {
		bin, err := sandbox.ResolveBinary(command)
		if err != nil {
			return sandbox.Invocation{}, fmt.Errorf("%w: %v", ErrSandboxLaunch, err)
		}
		spec.BinaryPath = bin
		spec.CredentialDir = s.cfg.Sandbox.CredentialDir
		if spec.CredentialDir == "" {
			if spec.CredentialDir, err = sandbox.DefaultCredentialDir(); err != nil {
				return sandbox.Invocation{}, fmt.Errorf("%w: credential dir: %v", ErrSandboxLaunch, err)
			}
		}
		spec.Home, _ = os.UserHomeDir()
		for k := range env {
			spec.EnvKeys = append(spec.EnvKeys, k)
		}
	}

	inv, err := sandbox.Decide(role, s.cfg.Sandbox, spec)
	if err != nil {
		if errors.Is(err, sandbox.ErrForbiddenMount) || errors.Is(err, sandbox.ErrInvalidMount) {
			return sandbox.Invocation{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return sandbox.Invocation{}, fmt.Errorf("%w: %v", ErrSandboxLaunch, err)
	}
	if inv.Sandboxed {
		if err := s.runtime.Check(ctx, s.cfg.Sandbox.Image); err != nil {
			return sandbox.Invocation{}, fmt.Errorf("%w: %v", ErrSandboxLaunch, err)
		}
	}
	return inv, nil
}

// confirmLaunch waits out the launch grace period and checks the session is
// still there. A container the runtime rejects exits at once and takes its
// session with it.
func (s *Supervisor) confirmLaunch(ctx context.Context, handle string) error {
	timer := time.NewTimer(s.cfg.LaunchGrace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	sessions, err := s.backend.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("confirm launch of %s: %w", handle, err)
	}
	for _, sess := range sessions {
		if sess.Name == handle {
			return nil
		}
	}
	return fmt.Errorf("%w: session %s exited during startup", ErrSandboxLaunch, handle)
}

func (s *Supervisor) removeContainer(ctx context.Context, container string) {
	if container == "" {
		return
	}
	if err := s.runtime.Remove(context.WithoutCancel(ctx), container); err != nil {
		s.logger.Warn("sandbox cleanup failed", "container", container, "err", err)
	}
}

// deliverTask types the initial task once the agent has had time to start.
func (s *Supervisor) deliverTask(id, task string) {
	defer s.wg.Done()
	if s.cfg.TaskDelay > 0 {
		timer := time.NewTimer(s.cfg.TaskDelay)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}
	}
	if err := s.Send(s.ctx, id, task, true); err != nil {
		s.logger.Warn("task delivery failed", "agent", id, "err", err)
	}
}

// Kill ends an agent's session and removes its record. A session that is
// already gone counts as success; a second Kill of the same id is NotFound.
func (s *Supervisor) Kill(ctx context.Context, id string) error {
	rec, err := s.reg.BeginRemove(id)
	if err != nil {
		return err
	}
	if err := s.backend.KillSession(ctx, rec.Handle); err != nil && !errors.Is(err, tmux.ErrNotFound) {
		s.reg.AbortRemove(id)
		return fmt.Errorf("kill session %s: %w", rec.Handle, err)
	}
	s.removeContainer(ctx, rec.Container)
	s.reg.CommitRemove(id)
	s.forgetState(id)

	s.logger.Info("agent killed", "agent", id)
	s.emit(events.TypeKilled, id, "", "", nil)
	return nil
}

// Send types text into an agent's session. Sends to one agent never
// interleave.
func (s *Supervisor) Send(ctx context.Context, id, text string, enter bool) error {
	unlock, err := s.reg.LockTarget(id)
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := s.reg.Get(id)
	if err != nil {
		return err
	}
	if err := s.backend.SendKeys(ctx, rec.Handle, text, enter); err != nil {
		return fmt.Errorf("send to %s: %w", id, err)
	}
	return s.reg.UpdateActivity(id, s.now())
}

// Reassign moves id under parent, or to the unassigned bucket when parent is
// empty.
func (s *Supervisor) Reassign(id, parent string) error {
	before, err := s.reg.Get(id)
	if err != nil {
		return err
	}
	if err := s.reg.ReassignParent(id, parent); err != nil {
		return err
	}
	s.logger.Info("agent reassigned", "agent", id, "from", before.ParentID, "to", parent)
	s.emit(events.TypeReassigned, id, before.ParentID, parent, nil)
	return nil
}

// Attach shows the agent's session to the operator.
func (s *Supervisor) Attach(ctx context.Context, id string) error {
	rec, err := s.reg.Get(id)
	if err != nil {
		return err
	}
	return s.backend.OpenPopup(ctx, rec.Handle)
}
