package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetward/fleetward/control_plane/bus"
	"github.com/fleetward/fleetward/control_plane/policy"
	"github.com/fleetward/fleetward/control_plane/store"
	"github.com/fleetward/fleetward/control_plane/tracker"
)

type apiFixture struct {
	store *store.MemoryStore
	pub   *bus.RecordingPublisher
	api   *API
	srv   *httptest.Server
	now   time.Time
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	st := store.NewMemoryStore()
	st.PutClient(&store.Client{ID: "client-1", Name: "acme"})
	st.PutSite(&store.Site{ID: "site-1", ClientID: "client-1", Name: "hq"})
	st.PutAgent(&store.Agent{
		ID:       "agent-1",
		Hostname: "ws-01",
		SiteID:   "site-1",
		Timezone: "UTC",
	})

	log := zerolog.Nop()
	pub := bus.NewRecordingPublisher()
	hub := NewEventHub(log)
	f := &apiFixture{
		store: st,
		pub:   pub,
		now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.api = NewAPI(st, policy.NewResolver(st, log), tracker.NewTracker(st, nil, log), pub, hub, log)
	f.api.Now = func() time.Time { return f.now }
	f.srv = httptest.NewServer(f.api.Router())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *apiFixture) postJSON(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestCheckinUpdatesLastSeen(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.postJSON(t, "/api/v1/checkin", map[string]string{"agent_id": "agent-1"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	agent, err := f.store.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.True(t, agent.LastSeen.Equal(f.now))
}

func TestCheckinUnknownAgent(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.postJSON(t, "/api/v1/checkin", map[string]string{"agent_id": "ghost"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTaskResultRoundTrip(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	_, err := f.store.EnsureTaskResult(ctx, "task-1", "agent-1")
	require.NoError(t, err)

	resp := f.postJSON(t, "/api/v1/tasks/task-1/result", map[string]interface{}{
		"agent_id": "agent-1",
		"stdout":   "done",
		"retcode":  0,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result, err := f.store.GetTaskResult(ctx, "task-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, result.RunStatus)
	assert.Equal(t, "done", result.Stdout)
}

func TestTaskResultUnknownPair(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.postJSON(t, "/api/v1/tasks/ghost/result", map[string]interface{}{
		"agent_id": "agent-1",
		"retcode":  0,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTaskAckFlipsSyncStatus(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	_, err := f.store.EnsureTaskResult(ctx, "task-1", "agent-1")
	require.NoError(t, err)

	resp := f.postJSON(t, "/api/v1/tasks/task-1/ack", map[string]string{"agent_id": "agent-1"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result, err := f.store.GetTaskResult(ctx, "task-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.SyncSynced, result.SyncStatus)
}

func TestAgentTasksIncludeOverriddenModes(t *testing.T) {
	f := newAPIFixture(t)

	// Enforced policy task shadowing an agent-direct task with the same name.
	f.store.PutPolicy(&store.Policy{ID: "policy-1", Name: "base", Active: true, Enforced: true})
	agent, err := f.store.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	agent.PolicyID = "policy-1"
	f.store.PutAgent(agent)

	f.store.PutTask(&store.Task{ID: "task-p", Name: "cleanup", PolicyID: "policy-1", Enabled: true, Type: store.TaskManual})
	f.store.PutTask(&store.Task{ID: "task-a", Name: "cleanup", AgentID: "agent-1", Enabled: true, Type: store.TaskManual})

	get := func(url string) []map[string]interface{} {
		resp, err := http.Get(f.srv.URL + url)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body struct {
			Tasks []map[string]interface{} `json:"tasks"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return body.Tasks
	}

	effective := get("/api/v1/agents/agent-1/tasks")
	require.Len(t, effective, 1, "effective view hides the shadowed agent task")
	assert.Equal(t, "task-p", effective[0]["task_id"])

	audit := get("/api/v1/agents/agent-1/tasks?include_overridden=1")
	assert.Len(t, audit, 2, "audit view keeps both")
}

func TestTaskRemovePublishesCommand(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	_, err := f.store.EnsureTaskResult(ctx, "task-1", "agent-1")
	require.NoError(t, err)

	resp := f.postJSON(t, "/api/v1/agents/agent-1/tasks/task-1/remove", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	result, err := f.store.GetTaskResult(ctx, "task-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.SyncPendingDeletion, result.SyncStatus)

	cmds := f.pub.CommandsFor("agent-1")
	require.Len(t, cmds, 1)
	assert.Equal(t, bus.KindRemoveTask, cmds[0].Kind)
	assert.Equal(t, "task-1", cmds[0].RemoveTask.TaskID)
}

func TestClientThresholdsBulkUpdate(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	f.store.PutAgent(&store.Agent{ID: "agent-2", SiteID: "site-1"})
	f.store.PutAgent(&store.Agent{ID: "agent-other", SiteID: "elsewhere"})

	resp := f.postJSON(t, "/api/v1/clients/client-1/thresholds", map[string]int{
		"offline_time": 10,
		"overdue_time": 45,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]int64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.EqualValues(t, 2, body["agents_updated"])

	agent, err := f.store.GetAgent(ctx, "agent-2")
	require.NoError(t, err)
	assert.Equal(t, 10, agent.OfflineTime)
	assert.Equal(t, 45, agent.OverdueTime)

	other, err := f.store.GetAgent(ctx, "agent-other")
	require.NoError(t, err)
	assert.Zero(t, other.OfflineTime, "agents outside the client untouched")
}

func TestClientThresholdsValidation(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.postJSON(t, "/api/v1/clients/client-1/thresholds", map[string]int{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.postJSON(t, "/api/v1/clients/client-1/thresholds", map[string]int{"offline_time": -5})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
