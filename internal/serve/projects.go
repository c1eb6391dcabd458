package serve

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Dicklesworthstone/omar/internal/projects"
)

// AddProjectRequest is the POST /projects body.
type AddProjectRequest struct {
	Name string `json:"name"`
}

// ProjectsResponse is the GET /projects body.
type ProjectsResponse struct {
	Projects []projects.Project `json:"projects"`
}

// CompleteProjectResponse acknowledges DELETE /projects/{id}. Name is the
// project that was removed; later ids have shifted down by one.
type CompleteProjectResponse struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// projectStore answers 404 when the supervisor has no project list.
func (s *Server) projectStore(w http.ResponseWriter, r *http.Request) (*projects.Store, bool) {
	store := s.sup.Projects()
	if store == nil {
		writeErrorResponse(w, http.StatusNotFound, ErrCodeNotFound, "no project list configured", requestIDFromContext(r.Context()))
		return nil, false
	}
	return store, true
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	store, ok := s.projectStore(w, r)
	if !ok {
		return
	}
	list, err := store.List()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []projects.Project{}
	}
	writeJSON(w, http.StatusOK, ProjectsResponse{Projects: list})
}

func (s *Server) handleAddProject(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	store, ok := s.projectStore(w, r)
	if !ok {
		return
	}
	var body AddProjectRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error(), reqID)
		return
	}
	p, err := store.Add(body.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleCompleteProject(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	store, ok := s.projectStore(w, r)
	if !ok {
		return
	}
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, ErrCodeInvalidRequest, "project id must be a number", reqID)
		return
	}
	p, err := store.Remove(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CompleteProjectResponse{ID: id, Name: p.Name, Status: "completed"})
}
