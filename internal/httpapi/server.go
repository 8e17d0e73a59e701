// Package httpapi implements loom's HTTP/JSON surface: project and
// conversation CRUD, agent control, settings, the debug endpoints, the
// WebSocket mount, and /metrics. Routing uses the standard library's
// method+wildcard ServeMux patterns.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loom/internal/apperr"
	"loom/internal/convstore"
	"loom/internal/logx"
	"loom/internal/projectstore"
	"loom/internal/router"
	"loom/internal/supervisor"
)

// Server wires every HTTP handler to its collaborators. Construct with
// New and mount with Handler().
type Server struct {
	projects *projectstore.Store
	settings *projectstore.SettingsStore
	conv     *convstore.Store
	sup      *supervisor.Supervisor
	router   *router.Router
	log      *logx.Logger
	auth     *BasicAuth
}

// Deps bundles Server's collaborators, all explicitly constructed and
// injected from main.
type Deps struct {
	Projects *projectstore.Store
	Settings *projectstore.SettingsStore
	Conv     *convstore.Store
	Sup      *supervisor.Supervisor
	Router   *router.Router
	Log      *logx.Logger
	Auth     *BasicAuth // nil disables Basic-Auth
}

// New constructs a Server.
func New(deps Deps) *Server {
	return &Server{
		projects: deps.Projects,
		settings: deps.Settings,
		conv:     deps.Conv,
		sup:      deps.Sup,
		router:   deps.Router,
		log:      deps.Log,
		auth:     deps.Auth,
	}
}

// Handler builds the full mux, including /ws and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/projects", s.handleListProjects)
	mux.HandleFunc("POST /api/projects", s.handleCreateProject)
	mux.HandleFunc("DELETE /api/projects/{id}", s.handleDeleteProject)

	mux.HandleFunc("POST /api/projects/{id}/agent/start", s.handleAgentStart)
	mux.HandleFunc("POST /api/projects/{id}/agent/interactive", s.handleAgentInteractive)
	mux.HandleFunc("POST /api/projects/{id}/agent/stop", s.handleAgentStop)
	mux.HandleFunc("POST /api/projects/{id}/agent/send", s.handleAgentSend)
	mux.HandleFunc("GET /api/projects/{id}/agent/status", s.handleAgentStatus)
	mux.HandleFunc("GET /api/projects/{id}/agent/queue", s.handleAgentQueueList)
	mux.HandleFunc("DELETE /api/projects/{id}/agent/queue/{index}", s.handleAgentQueueDeleteOne)
	mux.HandleFunc("DELETE /api/projects/{id}/agent/queue", s.handleAgentQueueClear)
	mux.HandleFunc("GET /api/projects/{id}/agent/debug", s.handleAgentDebug)
	mux.HandleFunc("GET /api/projects/{id}/agent/readcache", s.handleReadCachePreview)

	mux.HandleFunc("GET /api/projects/{id}/conversations", s.handleListConversations)
	mux.HandleFunc("GET /api/projects/{id}/conversation", s.handleGetConversation)
	mux.HandleFunc("PUT /api/projects/{id}/conversation/current", s.handleSetCurrentConversation)
	mux.HandleFunc("POST /api/projects/{id}/conversation/clear", s.handleClearConversation)
	mux.HandleFunc("PUT /api/projects/{id}/conversations/{convId}", s.handleRenameConversation)
	mux.HandleFunc("GET /api/projects/{id}/conversations/search", s.handleSearchConversations)

	mux.HandleFunc("GET /api/agents/status", s.handleAgentsAggregateStatus)

	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handlePutSettings)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", s.router.ServeHTTP)

	if s.auth != nil {
		return s.auth.Wrap(mux)
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindStorage:
		status = http.StatusInternalServerError
	case apperr.KindChildExited:
		status = http.StatusBadGateway
	case apperr.KindCorrupted:
		status = http.StatusNotFound
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: string(kind)})
}
