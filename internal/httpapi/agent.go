package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"loom/internal/apperr"
	"loom/internal/domain"
	"loom/internal/logx"
	"loom/internal/supervisor"
)

func recentLogLines(projectID string) []logx.Entry {
	return logx.RecentEntries("runtime:"+projectID, time.Time{})
}

func (s *Server) handleAgentStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	project, err := s.projects.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		ModelOverride string `json:"modelOverride"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	err = s.sup.Start(id, supervisor.StartRequest{
		ProjectPath:    project.AbsolutePath,
		PermissionMode: domain.PermissionAcceptEdits,
		ModelOverride:  req.ModelOverride,
		Mode:           domain.AgentAutonomous,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type interactiveRequest struct {
	Message        string   `json:"message"`
	Images         []string `json:"images"`
	SessionID      string   `json:"sessionId"`
	PermissionMode string   `json:"permissionMode"`
}

func (s *Server) handleAgentInteractive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	project, err := s.projects.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req interactiveRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	permissionMode := domain.PermissionMode(req.PermissionMode)
	if permissionMode == "" {
		permissionMode = domain.PermissionAcceptEdits
	}

	err = s.sup.Start(id, supervisor.StartRequest{
		ProjectPath:    project.AbsolutePath,
		InitialPrompt:  req.Message,
		Images:         req.Images,
		SessionID:      req.SessionID,
		PermissionMode: permissionMode,
		Mode:           domain.AgentInteractive,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAgentStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sup.Stop(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendRequest struct {
	Message string   `json:"message"`
	Images  []string `json:"images"`
}

func (s *Server) handleAgentSend(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rt, ok := s.sup.Runtime(id)
	if !ok {
		writeError(w, apperr.Conflict("no agent running for project %s", id))
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid request body: %v", err))
		return
	}
	if err := rt.SendMessage(req.Message, req.Images); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rt, ok := s.sup.Runtime(id)
	if !ok {
		project, err := s.projects.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, domain.AgentStatusPayload{Status: project.Status})
		return
	}
	writeJSON(w, http.StatusOK, rt.Status())
}

func (s *Server) handleAgentQueueList(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rt, ok := s.sup.Runtime(id)
	if !ok {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	writeJSON(w, http.StatusOK, rt.QueuedMessages())
}

func (s *Server) handleAgentQueueDeleteOne(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, apperr.Validation("invalid queue index"))
		return
	}
	rt, ok := s.sup.Runtime(id)
	if !ok {
		writeError(w, apperr.NotFound("no agent running for project %s", id))
		return
	}
	if err := rt.DeleteQueuedMessage(index); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgentQueueClear(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if rt, ok := s.sup.Runtime(id); ok {
		rt.ClearQueue()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgentDebug(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rt, ok := s.sup.Runtime(id)
	if !ok {
		writeError(w, apperr.NotFound("no agent running for project %s", id))
		return
	}
	info := rt.Debug()
	writeJSON(w, http.StatusOK, map[string]any{
		"argv": info.Argv,
		"cwd":  info.Cwd,
		"log":  recentLogLines(id),
	})
}

func (s *Server) handleReadCachePreview(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, apperr.Validation("path query parameter is required"))
		return
	}
	rt, ok := s.sup.Runtime(id)
	if !ok {
		writeError(w, apperr.NotFound("no agent running for project %s", id))
		return
	}
	content, ok := rt.ReadCachePreview(path)
	if !ok {
		writeError(w, apperr.NotFound("no cached pre-image for %s", path))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path, "preImage": content})
}

func (s *Server) handleAgentsAggregateStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"runningCount":   s.sup.RunningCount(),
		"maxConcurrent":  s.sup.MaxConcurrent(),
		"queuedCount":    len(s.sup.QueuedProjects()),
		"queuedProjects": s.sup.QueuedProjects(),
	})
}
