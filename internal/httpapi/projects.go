package httpapi

import (
	"encoding/json"
	"net/http"

	"loom/internal/apperr"
)

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.projects.List())
}

type createProjectRequest struct {
	AbsolutePath string `json:"absolutePath"`
	Name         string `json:"name"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid request body: %v", err))
		return
	}
	if req.AbsolutePath == "" {
		writeError(w, apperr.Validation("absolutePath is required"))
		return
	}
	project, err := s.projects.Create(req.AbsolutePath, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if rt, ok := s.sup.Runtime(id); ok {
		rt.Cancel()
	}
	if err := s.projects.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
