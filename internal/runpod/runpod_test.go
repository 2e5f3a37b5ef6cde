package runpod

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI serves a mutable pod list and records mutations.
type fakeAPI struct {
	pods      []Pod
	mutations []string
}

func (f *fakeAPI) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query string `json:"query"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if strings.Contains(req.Query, "mutation") {
			f.mutations = append(f.mutations, req.Query)
			if strings.Contains(req.Query, "podResume") {
				for i := range f.pods {
					f.pods[i].DesiredStatus = StatusRunning
				}
			}
			if strings.Contains(req.Query, "podStop") {
				for i := range f.pods {
					f.pods[i].DesiredStatus = StatusExited
				}
			}
			fmt.Fprint(w, `{"data": {}}`)
			return
		}

		payload := map[string]any{"data": map[string]any{"myself": map[string]any{"pods": f.pods}}}
		json.NewEncoder(w).Encode(payload)
	}
}

func newTestManager(t *testing.T, api *fakeAPI) *Manager {
	t.Helper()
	server := httptest.NewServer(api.handler())
	t.Cleanup(server.Close)

	m, err := NewManager(Config{
		APIKey:       "test-key",
		Endpoint:     server.URL,
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return m
}

func TestRequiresAPIKey(t *testing.T) {
	_, err := NewManager(Config{})
	assert.Error(t, err)
}

func TestFindPodByType(t *testing.T) {
	api := &fakeAPI{pods: []Pod{
		{ID: "xyz", Name: "other-workload", DesiredStatus: StatusRunning},
		{ID: "abc123", Name: "geister-llm-a100", DesiredStatus: StatusExited},
	}}
	m := newTestManager(t, api)

	pod, err := m.FindPodByType(context.Background(), "llm")
	require.NoError(t, err)
	assert.Equal(t, "abc123", pod.ID)
	assert.Equal(t, "https://abc123-5000.proxy.runpod.net", pod.ProxyURL())

	_, err = m.FindPodByType(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrPodNotFound)
}

func TestStartResumesAndWaits(t *testing.T) {
	api := &fakeAPI{pods: []Pod{{ID: "abc123", Name: "geister-llm-a100", DesiredStatus: StatusExited}}}
	m := newTestManager(t, api)

	require.NoError(t, m.Start(context.Background(), "abc123", 1))
	require.Len(t, api.mutations, 1)
	assert.Contains(t, api.mutations[0], "podResume")
	assert.Contains(t, api.mutations[0], `"abc123"`)
}

func TestStartAlreadyRunningIsNoOp(t *testing.T) {
	api := &fakeAPI{pods: []Pod{{ID: "abc123", Name: "geister-llm-a100", DesiredStatus: StatusRunning}}}
	m := newTestManager(t, api)

	require.NoError(t, m.Start(context.Background(), "abc123", 1))
	assert.Empty(t, api.mutations)
}

func TestStopWaitsForExit(t *testing.T) {
	api := &fakeAPI{pods: []Pod{{ID: "abc123", Name: "geister-llm-a100", DesiredStatus: StatusRunning}}}
	m := newTestManager(t, api)

	require.NoError(t, m.Stop(context.Background(), "abc123"))
	require.Len(t, api.mutations, 1)
	assert.Contains(t, api.mutations[0], "podStop")
}

func TestStatusNotFound(t *testing.T) {
	api := &fakeAPI{}
	m := newTestManager(t, api)

	status, err := m.Status(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, status)
}

func TestTerminate(t *testing.T) {
	api := &fakeAPI{pods: []Pod{{ID: "abc123", Name: "geister-llm-a100", DesiredStatus: StatusRunning}}}
	m := newTestManager(t, api)

	require.NoError(t, m.Terminate(context.Background(), "abc123"))
	require.Len(t, api.mutations, 1)
	assert.Contains(t, api.mutations[0], "podTerminate")
}

func TestAPIErrorSurfaced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"errors": [{"message": "unauthorized"}]}`)
	}))
	t.Cleanup(server.Close)

	m, err := NewManager(Config{APIKey: "bad", Endpoint: server.URL})
	require.NoError(t, err)
	_, err = m.ListPods(context.Background())
	assert.ErrorContains(t, err, "unauthorized")
}
