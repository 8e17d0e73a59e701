package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"loom/internal/convstore"
	"loom/internal/domain"
	"loom/internal/eventbus"
	"loom/internal/projectstore"
	"loom/internal/router"
	"loom/internal/supervisor"
)

func newTestServer(t *testing.T) (*httptest.Server, *projectstore.Store, *convstore.Store) {
	t.Helper()
	globalDir := t.TempDir()
	projects, err := projectstore.New(globalDir, nil)
	require.NoError(t, err)
	settings := projectstore.NewSettingsStore(globalDir)

	bus := eventbus.New(nil)
	conv := convstore.New(projects, 1000, nil, nil)
	sup := supervisor.New(supervisor.Deps{
		Conv:             conv,
		Projects:         projects,
		Bus:              bus,
		AssistantCommand: "/bin/false", // no handler under test spawns a child
		ModeSwitchDelay:  10 * time.Millisecond,
		MaxConcurrent:    2,
	})
	wsRouter := router.New(bus, nil, nil)

	srv := httptest.NewServer(New(Deps{
		Projects: projects,
		Settings: settings,
		Conv:     conv,
		Sup:      sup,
		Router:   wsRouter,
	}).Handler())
	t.Cleanup(srv.Close)
	return srv, projects, conv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestCreateAndListProjects(t *testing.T) {
	srv, _, _ := newTestServer(t)
	dir := t.TempDir()

	resp := postJSON(t, srv.URL+"/api/projects", map[string]string{"absolutePath": dir, "name": "demo"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[domain.Project](t, resp)
	require.Equal(t, domain.DeriveProjectID(dir), created.ID)

	resp, err := http.Get(srv.URL + "/api/projects")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decodeBody[[]domain.Project](t, resp)
	require.Len(t, listed, 1)
}

func TestCreateProjectDuplicatePathIsConflict(t *testing.T) {
	srv, _, _ := newTestServer(t)
	dir := t.TempDir()

	resp := postJSON(t, srv.URL+"/api/projects", map[string]string{"absolutePath": dir})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/projects", map[string]string{"absolutePath": dir})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestCreateProjectWithoutPathIsValidationError(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp := postJSON(t, srv.URL+"/api/projects", map[string]string{"name": "no path"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAgentStatusFallsBackToProjectStatus(t *testing.T) {
	srv, projects, _ := newTestServer(t)
	p, err := projects.Create(t.TempDir(), "")
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/projects/" + p.ID + "/agent/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decodeBody[domain.AgentStatusPayload](t, resp)
	require.Equal(t, domain.ProjectStopped, status.Status)
}

func TestAgentStatusUnknownProjectIs404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/projects/ghost/agent/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestAgentSendWithoutRuntimeIsConflict(t *testing.T) {
	srv, projects, _ := newTestServer(t)
	p, err := projects.Create(t.TempDir(), "")
	require.NoError(t, err)

	resp := postJSON(t, srv.URL+"/api/projects/"+p.ID+"/agent/send", map[string]string{"message": "hi"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestRenameConversation(t *testing.T) {
	srv, projects, conv := newTestServer(t)
	p, err := projects.Create(t.TempDir(), "")
	require.NoError(t, err)
	c, err := conv.Create(p.ID, "")
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"label": "spike notes"})
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/projects/"+p.ID+"/conversations/"+c.ID, bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	renamed := decodeBody[domain.Conversation](t, resp)
	require.Equal(t, "spike notes", renamed.Label)
}

func TestSearchRequiresQuery(t *testing.T) {
	srv, projects, _ := newTestServer(t)
	p, err := projects.Create(t.TempDir(), "")
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/projects/" + p.ID + "/conversations/search")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAgentsAggregateStatus(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/agents/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	agg := decodeBody[map[string]any](t, resp)
	require.EqualValues(t, 0, agg["runningCount"])
	require.EqualValues(t, 2, agg["maxConcurrent"])
	require.EqualValues(t, 0, agg["queuedCount"])
}

func TestPutSettingsRoundTripsAndHidesHash(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"maxConcurrent": 5, "password": "hunter2"})
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/settings", bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	saved := decodeBody[projectstore.Settings](t, resp)
	require.Equal(t, 5, saved.MaxConcurrent)
	require.Empty(t, saved.WebUIPasswordHash, "the hash must never be echoed back")

	resp, err = http.Get(srv.URL + "/api/settings")
	require.NoError(t, err)
	loaded := decodeBody[projectstore.Settings](t, resp)
	require.Equal(t, 5, loaded.MaxConcurrent)
	require.Empty(t, loaded.WebUIPasswordHash)
}

func TestPutSettingsRejectsZeroMaxConcurrent(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"maxConcurrent": 0})
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/settings", bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestBasicAuthGuardsRoutes(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	auth := NewBasicAuth("loom", hash)

	guarded := auth.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	srv := httptest.NewServer(guarded)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.SetBasicAuth("loom", "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	req.SetBasicAuth("loom", "s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
