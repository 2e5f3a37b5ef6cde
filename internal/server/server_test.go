package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geister/internal/memory"
	"geister/internal/persona"
	"geister/internal/store"
	"geister/internal/swarm"
	"geister/internal/telos"
)

type fakeExecutor struct {
	running bool
	log     []telos.ExecutionLogEntry
}

func (f *fakeExecutor) Start() bool {
	if f.running {
		return false
	}
	f.running = true
	return true
}

func (f *fakeExecutor) Stop() bool {
	if !f.running {
		return false
	}
	f.running = false
	return true
}

func (f *fakeExecutor) Running() bool { return f.running }

func (f *fakeExecutor) Status() telos.Status {
	return telos.Status{
		Running:          f.running,
		Model:            "gpt-oss:20b",
		Network:          "staging",
		IntervalSeconds:  0,
		RecentExecutions: len(f.log),
	}
}

func (f *fakeExecutor) RecentLog(limit int) []telos.ExecutionLogEntry {
	if limit <= 0 || limit > len(f.log) {
		limit = len(f.log)
	}
	return f.log[:limit]
}

type provisionCall struct {
	count      int
	startIndex int
	persona    string
}

type fakeProvisioner struct {
	calls chan provisionCall
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{calls: make(chan provisionCall, 4)}
}

func (f *fakeProvisioner) Provision(_ context.Context, count, startIndex int, personaName string) swarm.Report {
	f.calls <- provisionCall{count, startIndex, personaName}
	return swarm.Report{Requested: count, Created: count}
}

type fixture struct {
	store       *store.Store
	executor    *fakeExecutor
	provisioner *fakeProvisioner
	server      *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "geister.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	personaDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(personaDir, "citizen-rebel.yaml"),
		[]byte("name: Rebel\nemoji: \"\\U0001F525\"\ndescription: Challenges authority\n"), 0o644))

	exec := &fakeExecutor{}
	provisioner := newFakeProvisioner()
	srv := New(st, exec, memory.NewService(st, nil), persona.NewCatalogue(personaDir, nil), provisioner, nil, nil, Config{Host: "127.0.0.1", Port: 0})
	return &fixture{store: st, executor: exec, provisioner: provisioner, server: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded), "body: %s", rec.Body.String())
	}
	return rec, decoded
}

func (f *fixture) seedAgent(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.store.CreateAgent(context.Background(), &store.Agent{
		ID:          id,
		DisplayName: "Ada",
		Persona:     "rebel",
		Principal:   "aaaaa-aa",
	}))
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "gpt-oss:20b", body["model"])
	assert.Equal(t, false, body["executor_running"])
}

func TestAgentLifecycle(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodPost, "/api/agents", map[string]any{
		"agent_id":     "citizen_1",
		"display_name": "Ada",
		"persona":      "rebel",
		"principal":    "aaaaa-aa",
	})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %v", body)

	rec, body = f.do(t, http.MethodGet, "/api/agents/citizen_1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	agent := body["agent"].(map[string]any)
	assert.Equal(t, "Ada", agent["display_name"])

	rec, body = f.do(t, http.MethodPut, "/api/agents/citizen_1", map[string]any{
		"display_name": "Ada Prime",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	agent = body["agent"].(map[string]any)
	assert.Equal(t, "Ada Prime", agent["display_name"])
	assert.Equal(t, "rebel", agent["persona"], "untouched fields survive partial update")

	rec, body = f.do(t, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])

	rec, _ = f.do(t, http.MethodDelete, "/api/agents/citizen_1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/agents/citizen_1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateAgentRequiresID(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodPost, "/api/agents", map[string]any{"display_name": "Ada"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "agent_id")
}

func TestTemplateLifecycleAndDefault(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodPost, "/api/telos/templates", map[string]any{
		"name":  "onboarding",
		"steps": []string{"Join the realm", "Check your status"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %v", body)
	tplID := body["template"].(map[string]any)["template_id"].(string)

	rec, _ = f.do(t, http.MethodPost, "/api/telos/templates/"+tplID+"/set-default", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/api/telos/default", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, tplID, body["template"].(map[string]any)["template_id"])

	rec, body = f.do(t, http.MethodPut, "/api/telos/templates/"+tplID, map[string]any{
		"steps": []string{"Join the realm"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	steps := body["template"].(map[string]any)["steps"].([]any)
	assert.Len(t, steps, 1)

	rec, _ = f.do(t, http.MethodDelete, "/api/telos/templates/"+tplID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateTemplateValidation(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodPost, "/api/telos/templates", map[string]any{"name": "empty"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAssignDefaultToAll(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "citizen_1")
	f.seedAgent(t, "citizen_2")

	_, body := f.do(t, http.MethodPost, "/api/telos/templates", map[string]any{
		"name": "onboarding", "steps": []string{"Join the realm"},
	})
	tplID := body["template"].(map[string]any)["template_id"].(string)
	f.do(t, http.MethodPost, "/api/telos/templates/"+tplID+"/set-default", nil)

	rec, body := f.do(t, http.MethodPost, "/api/telos/assign-default-to-all", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["assigned_count"])
}

func TestTelosAssignmentFlow(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "citizen_1")

	rec, body := f.do(t, http.MethodPut, "/api/agents/citizen_1/telos", map[string]any{
		"custom_telos": "Join the realm\nCheck your status",
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %v", body)
	telosBody := body["telos"].(map[string]any)
	assert.Equal(t, "idle", telosBody["state"])
	assert.Equal(t, float64(0), telosBody["current_step"])

	rec, body = f.do(t, http.MethodPut, "/api/agents/citizen_1/telos/state", map[string]any{
		"state": "active",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", body["telos"].(map[string]any)["state"])

	rec, body = f.do(t, http.MethodPut, "/api/agents/citizen_1/telos/progress", map[string]any{
		"current_step": 1,
		"step_result":  map[string]any{"status": "completed", "result": "joined"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	telosBody = body["telos"].(map[string]any)
	assert.Equal(t, float64(1), telosBody["current_step"])
	results := telosBody["step_results"].(map[string]any)
	require.Contains(t, results, "0")
	assert.Equal(t, "completed", results["0"].(map[string]any)["status"])

	rec, body = f.do(t, http.MethodDelete, "/api/agents/citizen_1/telos", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["removed"])

	rec, body = f.do(t, http.MethodDelete, "/api/agents/citizen_1/telos", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["removed"])
}

func TestAssignTelosRequiresTemplateOrCustom(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "citizen_1")
	rec, body := f.do(t, http.MethodPut, "/api/agents/citizen_1/telos", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "template_id or custom_telos")
}

func TestSetTelosStateRejectsUnknownState(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "citizen_1")
	rec, _ := f.do(t, http.MethodPut, "/api/agents/citizen_1/telos/state", map[string]any{
		"state": "paused",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBulkTelosState(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "citizen_1")
	f.seedAgent(t, "citizen_2")
	for _, id := range []string{"citizen_1", "citizen_2"} {
		f.do(t, http.MethodPut, "/api/agents/"+id+"/telos", map[string]any{"custom_telos": "Join the realm"})
	}

	rec, body := f.do(t, http.MethodPut, "/api/agents/telos/state", map[string]any{"state": "active"})
	require.Equal(t, http.StatusOK, rec.Code, "body: %v", body)
	assert.Equal(t, float64(2), body["updated_count"])

	rec, body = f.do(t, http.MethodPut, "/api/agents/telos/state", map[string]any{
		"state": "idle", "from_state": "active",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["updated_count"])
}

func TestExecutorControl(t *testing.T) {
	f := newFixture(t)
	f.executor.log = []telos.ExecutionLogEntry{
		{Timestamp: time.Now().UTC(), AgentID: "citizen_1", Step: 0, Result: "joined", Success: true},
	}

	rec, body := f.do(t, http.MethodPost, "/api/telos/executor/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Executor started", body["message"])

	rec, body = f.do(t, http.MethodPost, "/api/telos/executor/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Executor already running", body["message"])

	rec, body = f.do(t, http.MethodGet, "/api/telos/executor/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["running"])
	assert.Len(t, body["recent_log"].([]any), 1)

	rec, body = f.do(t, http.MethodPost, "/api/telos/executor/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Executor stopped", body["message"])

	rec, body = f.do(t, http.MethodPost, "/api/telos/executor/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Executor not running", body["message"])
}

func TestExecutorLogLimit(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.executor.log = append(f.executor.log, telos.ExecutionLogEntry{
			Timestamp: time.Now().UTC(), AgentID: "citizen_1", Step: i,
		})
	}
	rec, body := f.do(t, http.MethodGet, "/api/telos/executor/log?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["log"].([]any), 2)

	rec, body = f.do(t, http.MethodGet, "/api/telos/executor/log", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["log"].([]any), 5)
}

func TestPersonaEndpoints(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodGet, "/api/personas", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"rebel"}, body["personas"])

	rec, body = f.do(t, http.MethodGet, "/api/personas/rebel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Rebel", body["persona"].(map[string]any)["name"])

	rec, _ = f.do(t, http.MethodGet, "/api/personas/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMemoryEndpoints(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "citizen_1")
	require.NoError(t, f.store.RecordMemory(context.Background(), &store.Memory{
		AgentID:    "citizen_1",
		ActionType: "telos_step",
		Summary:    "Completed: Join the realm",
	}))

	rec, body := f.do(t, http.MethodGet, "/api/agents/citizen_1/memories", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])

	rec, body = f.do(t, http.MethodGet, "/api/agents/citizen_1/memories/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := body["summary"].(map[string]any)
	assert.Equal(t, float64(1), summary["total"])
}

func TestNewEntriesSince(t *testing.T) {
	base := time.Now().UTC()
	entries := []telos.ExecutionLogEntry{
		{Timestamp: base.Add(2 * time.Second), AgentID: "a", Step: 2},
		{Timestamp: base.Add(time.Second), AgentID: "a", Step: 1},
		{Timestamp: base, AgentID: "a", Step: 0},
	}

	assert.Len(t, newEntriesSince(entries, nil), 3)

	last := entries[2]
	fresh := newEntriesSince(entries, &last)
	require.Len(t, fresh, 2)
	assert.Equal(t, 2, fresh[0].Step)

	head := entries[0]
	assert.Empty(t, newEntriesSince(entries, &head))

	// A cut point evicted from the ring yields the whole buffer.
	gone := telos.ExecutionLogEntry{Timestamp: base.Add(-time.Hour), AgentID: "a", Step: 99}
	assert.Len(t, newEntriesSince(entries, &gone), 3)
}

func TestSwarmRecreate(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodPost, "/api/swarm/recreate",
		map[string]any{"count": 3, "start_index": 7, "persona": "rebel"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Contains(t, body["message"], "3 agents")

	select {
	case call := <-f.provisioner.calls:
		assert.Equal(t, provisionCall{count: 3, startIndex: 7, persona: "rebel"}, call)
	case <-time.After(time.Second):
		t.Fatal("provisioner was never invoked")
	}
}

func TestSwarmRecreateDefaults(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodPost, "/api/swarm/recreate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body["message"], "5 agents")
	assert.Contains(t, body["message"], "persona 'compliant'")

	select {
	case call := <-f.provisioner.calls:
		assert.Equal(t, provisionCall{count: 5, startIndex: 1, persona: "compliant"}, call)
	case <-time.After(time.Second):
		t.Fatal("provisioner was never invoked")
	}
}
