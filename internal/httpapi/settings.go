package httpapi

import (
	"encoding/json"
	"net/http"

	"loom/internal/apperr"
	"loom/internal/projectstore"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.settings.Load(projectstore.Settings{MaxConcurrent: s.sup.MaxConcurrent()})
	if err != nil {
		writeError(w, err)
		return
	}
	settings.WebUIPasswordHash = "" // never echo the hash back
	writeJSON(w, http.StatusOK, settings)
}

type putSettingsRequest struct {
	MaxConcurrent     *int    `json:"maxConcurrent"`
	Password          *string `json:"password"`
	ReconnectBaseMs   *int    `json:"reconnectBaseMs"`
	ReconnectCapMs    *int    `json:"reconnectCapMs"`
	ReconnectMaxTries *int    `json:"reconnectMaxTries"`
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req putSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid request body: %v", err))
		return
	}

	current, err := s.settings.Load(projectstore.Settings{MaxConcurrent: s.sup.MaxConcurrent()})
	if err != nil {
		writeError(w, err)
		return
	}

	if req.MaxConcurrent != nil {
		if *req.MaxConcurrent < 1 {
			writeError(w, apperr.Validation("maxConcurrent must be >= 1"))
			return
		}
		current.MaxConcurrent = *req.MaxConcurrent
	}
	if req.ReconnectBaseMs != nil {
		current.ReconnectBaseMs = *req.ReconnectBaseMs
	}
	if req.ReconnectCapMs != nil {
		current.ReconnectCapMs = *req.ReconnectCapMs
	}
	if req.ReconnectMaxTries != nil {
		current.ReconnectMaxTries = *req.ReconnectMaxTries
	}
	if req.Password != nil {
		hash, err := HashPassword(*req.Password)
		if err != nil {
			writeError(w, apperr.Storage(err, "hash password"))
			return
		}
		current.WebUIPasswordHash = hash
	}

	if err := s.settings.Save(current); err != nil {
		writeError(w, err)
		return
	}
	s.sup.SetMaxConcurrent(current.MaxConcurrent)

	echo := current
	echo.WebUIPasswordHash = ""
	writeJSON(w, http.StatusOK, echo)
}
