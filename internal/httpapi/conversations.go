package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"loom/internal/apperr"
	"loom/internal/domain"
)

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			writeError(w, apperr.Validation("invalid limit query parameter"))
			return
		}
		limit = n
	}
	convs, err := s.conv.GetByProject(id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	convID := r.URL.Query().Get("conversationId")
	if convID == "" {
		project, err := s.projects.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		convID = project.CurrentConversationID
		if convID == "" {
			writeError(w, apperr.NotFound("project %s has no current conversation", id))
			return
		}
	}
	conv, err := s.conv.FindByID(id, convID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

type setCurrentConversationRequest struct {
	ConversationID string `json:"conversationId"`
}

func (s *Server) handleSetCurrentConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req setCurrentConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid request body: %v", err))
		return
	}
	if req.ConversationID == "" {
		writeError(w, apperr.Validation("conversationId is required"))
		return
	}
	if _, err := s.conv.FindByID(id, req.ConversationID); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.projects.Update(id, func(p *domain.Project) {
		p.CurrentConversationID = req.ConversationID
	}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	project, err := s.projects.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if project.CurrentConversationID == "" {
		writeError(w, apperr.NotFound("project %s has no current conversation", id))
		return
	}
	if err := s.conv.ClearMessages(id, project.CurrentConversationID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type renameConversationRequest struct {
	Label string `json:"label"`
}

func (s *Server) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	convID := r.PathValue("convId")
	var req renameConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid request body: %v", err))
		return
	}
	conv, err := s.conv.Rename(id, convID, req.Label)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleSearchConversations(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, apperr.Validation("q query parameter is required"))
		return
	}
	results, err := s.conv.Search(id, query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}
