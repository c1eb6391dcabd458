package serve

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Dicklesworthstone/omar/internal/projects"
	"github.com/Dicklesworthstone/omar/internal/registry"
	"github.com/Dicklesworthstone/omar/internal/supervisor"
	"github.com/Dicklesworthstone/omar/internal/tmux"
)

// SpawnRequest is the POST /agents body.
type SpawnRequest struct {
	Name    string `json:"name,omitempty"`
	Task    string `json:"task"`
	Workdir string `json:"workdir,omitempty"`
	Command string `json:"command,omitempty"`
	Parent  string `json:"parent,omitempty"`
	Role    string `json:"role,omitempty"`
}

// SpawnResponse is returned with 201 Created.
type SpawnResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Parent    string `json:"parent,omitempty"`
	Rule      string `json:"rule"`
	Sandboxed bool   `json:"sandboxed"`
}

// SendRequest is the POST /agents/{id}/send body. Enter defaults to true.
type SendRequest struct {
	Text  *string `json:"text"`
	Enter *bool   `json:"enter,omitempty"`
}

// ReassignRequest is the POST /agents/{id}/reassign body. An empty parent
// moves the agent to the unassigned bucket.
type ReassignRequest struct {
	Parent *string `json:"parent"`
}

// StatusResponse acknowledges a mutation.
type StatusResponse struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Agents  int    `json:"agents"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: s.version,
		Agents:  s.sup.Registry().Len(),
		Time:    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	var body SpawnRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error(), reqID)
		return
	}

	req := supervisor.SpawnRequest{
		Name:    body.Name,
		Task:    body.Task,
		Workdir: body.Workdir,
		Command: body.Command,
		Parent:  body.Parent,
		Role:    body.Role,
	}
	if token := strings.TrimSpace(r.Header.Get(TokenHeader)); token != "" {
		// Unknown tokens are ignored; identity is only ever a hint.
		if caller, ok := s.sup.Registry().ByToken(token); ok {
			req.Caller = caller.ID
		}
	}

	var res supervisor.SpawnResult
	err := s.retry.Do(r.Context(), func() error {
		var err error
		res, err = s.sup.Spawn(r.Context(), req)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SpawnResponse{
		ID:        res.Record.ID,
		Status:    "running",
		Parent:    res.Record.ParentID,
		Rule:      string(res.Rule),
		Sandboxed: res.Record.Sandboxed,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.List())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var d supervisor.Detail
	err := s.retry.Do(r.Context(), func() error {
		var err error
		d, err = s.sup.Get(r.Context(), id)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.retry.Do(r.Context(), func() error {
		return s.sup.Kill(r.Context(), id)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{ID: id, Status: "killed"})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	var body SendRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error(), reqID)
		return
	}
	if body.Text == nil {
		writeErrorResponse(w, http.StatusBadRequest, ErrCodeInvalidRequest, "text is required", reqID)
		return
	}
	enter := true
	if body.Enter != nil {
		enter = *body.Enter
	}

	err := s.retry.Do(r.Context(), func() error {
		return s.sup.Send(r.Context(), id, *body.Text, enter)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "sent"})
}

func (s *Server) handleReassign(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	var body ReassignRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error(), reqID)
		return
	}
	if body.Parent == nil {
		writeErrorResponse(w, http.StatusBadRequest, ErrCodeInvalidRequest, "parent is required (use \"\" to unassign)", reqID)
		return
	}
	if err := s.sup.Reassign(id, *body.Parent); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// writeError maps err onto its status and stable code.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classifyError(err)
	reqID := requestIDFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", "method", r.Method, "path", r.URL.Path, "code", code, "err", err, "request_id", reqID)
	}
	writeErrorResponse(w, status, code, err.Error(), reqID)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, tmux.ErrNotFound), errors.Is(err, projects.ErrNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, registry.ErrDuplicateID):
		return http.StatusConflict, ErrCodeDuplicateID
	case errors.Is(err, registry.ErrCycleDetected):
		return http.StatusConflict, ErrCodeCycleDetected
	case errors.Is(err, registry.ErrUnknownParent):
		return http.StatusConflict, ErrCodeUnknownParent
	case errors.Is(err, supervisor.ErrInvalidRequest), errors.Is(err, projects.ErrInvalidName):
		return http.StatusBadRequest, ErrCodeInvalidRequest
	case errors.Is(err, supervisor.ErrSandboxLaunch):
		return http.StatusBadGateway, ErrCodeSandboxLaunch
	case errors.Is(err, tmux.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, ErrCodeBackendUnavailable
	case errors.Is(err, tmux.ErrPermissionDenied):
		return http.StatusForbidden, ErrCodePermissionDenied
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// Backoff retries operations that failed because the session backend was
// briefly unreachable.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultBackoff is 3 attempts, 100ms doubling, capped at 1s.
func DefaultBackoff() Backoff {
	return Backoff{Attempts: 3, Base: 100 * time.Millisecond, Max: time.Second}
}

// Do runs fn until it succeeds, fails with something other than
// tmux.ErrBackendUnavailable, or attempts run out.
func (b Backoff) Do(ctx context.Context, fn func() error) error {
	attempts := max(b.Attempts, 1)
	delay := b.Base
	var err error
	for i := range attempts {
		if err = fn(); err == nil || !errors.Is(err, tmux.ErrBackendUnavailable) {
			return err
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		delay *= 2
		if b.Max > 0 && delay > b.Max {
			delay = b.Max
		}
	}
	return err
}
