package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Dicklesworthstone/omar/internal/agent"
	"github.com/Dicklesworthstone/omar/internal/events"
	"github.com/Dicklesworthstone/omar/internal/health"
	"github.com/Dicklesworthstone/omar/internal/registry"
	"github.com/Dicklesworthstone/omar/internal/tmux"
)

// Run refreshes the fleet every RefreshInterval until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("refresh failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Refresh runs one cycle: reconcile records against live sessions, then
// capture and classify every agent in parallel. A slow or failing agent only
// affects its own observation.
func (s *Supervisor) Refresh(ctx context.Context) error {
	listedAt := s.now()
	sessions, err := s.backend.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	live := make(map[string]tmux.Session, len(sessions))
	for _, sess := range sessions {
		live[sess.Name] = sess
	}

	var changed atomic.Bool
	for _, rec := range s.reg.Snapshot() {
		sess, ok := live[rec.Handle]
		if !ok {
			if rec.CreatedAt.After(listedAt) {
				// Spawned after the listing was taken.
				continue
			}
			s.lose(ctx, rec)
			changed.Store(true)
			continue
		}
		if !sess.LastActivity.IsZero() {
			_ = s.reg.UpdateActivity(rec.ID, sess.LastActivity)
		}
		if sess.Attached != rec.Attached {
			_ = s.reg.SetAttached(rec.ID, sess.Attached)
		}
	}

	c := s.classifier.Load()
	var g errgroup.Group
	g.SetLimit(s.cfg.Parallelism)
	for _, rec := range s.reg.Snapshot() {
		g.Go(func() error {
			if s.observe(ctx, c, rec) {
				changed.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()

	if changed.Load() {
		s.writeMemory()
	}
	return nil
}

// observe captures one agent and reports whether its health changed.
func (s *Supervisor) observe(ctx context.Context, c *health.Classifier, rec agent.Record) bool {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CaptureTimeout)
	out, err := s.backend.CapturePane(cctx, rec.Handle, c.TailLines())
	cancel()
	if err != nil && ctx.Err() != nil {
		// Shutting down; not the agent's fault.
		return false
	}

	now := s.now()
	obs := s.observation(rec.ID, out, err, c.TailLines(), now)
	prev, oerr := s.reg.Observe(rec.ID, obs)
	if oerr != nil {
		// Killed while we were capturing.
		return false
	}
	if !obs.Failed && !prev.CapturedAt.IsZero() && obs.Tail != prev.Tail {
		_ = s.reg.UpdateActivity(rec.ID, now)
	}

	cur, gerr := s.reg.Get(rec.ID)
	if gerr != nil {
		return false
	}
	st := c.Evaluate(cur, now)

	s.statesMu.Lock()
	old, seen := s.states[rec.ID]
	s.states[rec.ID] = st
	s.statesMu.Unlock()

	if seen && old == st {
		return false
	}
	from := ""
	if seen {
		from = old.String()
	}
	data := map[string]any{"idleSeconds": int64(cur.IdleFor(now) / time.Second)}
	if obs.Failed {
		data["error"] = obs.Err
	}
	s.logger.Debug("health changed", "agent", rec.ID, "from", from, "to", st)
	s.emit(events.TypeHealth, rec.ID, from, st.String(), data)
	return true
}

// lose drops a record whose session disappeared.
func (s *Supervisor) lose(ctx context.Context, rec agent.Record) {
	if _, err := s.reg.Remove(rec.ID); err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			s.logger.Warn("remove lost agent", "agent", rec.ID, "err", err)
		}
		return
	}
	s.removeContainer(ctx, rec.Container)
	s.forgetState(rec.ID)
	s.logger.Info("agent session ended", "agent", rec.ID)
	s.emit(events.TypeLost, rec.ID, "", "", nil)
}

func (s *Supervisor) forgetState(id string) {
	s.statesMu.Lock()
	delete(s.states, id)
	s.statesMu.Unlock()
}
