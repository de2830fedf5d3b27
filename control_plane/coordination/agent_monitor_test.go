package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetward/fleetward/control_plane/store"
)

type recordedTransition struct {
	agentID string
	from    store.AgentStatus
	to      store.AgentStatus
}

type captureSink struct {
	transitions []recordedTransition
}

func (c *captureSink) AgentStatusChanged(agent *store.Agent, from, to store.AgentStatus) {
	c.transitions = append(c.transitions, recordedTransition{agentID: agent.ID, from: from, to: to})
}
func (c *captureSink) TaskFailing(*store.TaskResult)   {}
func (c *captureSink) CheckFailing(*store.CheckResult) {}

func TestClassifyThresholds(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	agent := &store.Agent{OfflineTime: 4, OverdueTime: 30}

	cases := []struct {
		name    string
		elapsed time.Duration
		want    store.AgentStatus
	}{
		{"just checked in", 0, store.AgentOnline},
		{"at offline boundary", 4 * time.Minute, store.AgentOnline},
		{"past offline boundary", 4*time.Minute + time.Second, store.AgentOffline},
		{"at overdue boundary", 30 * time.Minute, store.AgentOffline},
		{"past overdue boundary", 30*time.Minute + time.Second, store.AgentOverdue},
		{"long gone", 48 * time.Hour, store.AgentOverdue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			agent.LastSeen = now.Add(-tc.elapsed)
			assert.Equal(t, tc.want, Classify(agent, now, nil))
		})
	}
}

func TestClassifyZeroThresholdsUseDefaults(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	defaults := &store.Settings{DefaultOfflineTime: 4, DefaultOverdueTime: 30}

	agent := &store.Agent{LastSeen: now.Add(-10 * time.Minute)}
	assert.Equal(t, store.AgentOffline, Classify(agent, now, defaults))

	agent.LastSeen = now.Add(-31 * time.Minute)
	assert.Equal(t, store.AgentOverdue, Classify(agent, now, defaults))

	// Explicit thresholds win over the defaults.
	agent.OfflineTime = 60
	agent.OverdueTime = 120
	assert.Equal(t, store.AgentOnline, Classify(agent, now, defaults))
}

func TestMonitorTickCachesStatusAndEmitsTransitions(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore()
	st.PutSettings(store.Settings{DefaultOfflineTime: 4, DefaultOverdueTime: 30})
	st.PutAgent(&store.Agent{
		ID:          "agent-1",
		Hostname:    "ws-01",
		LastSeen:    now.Add(-10 * time.Minute),
		OfflineTime: 4,
		OverdueTime: 30,
		Status:      store.AgentOnline,
	})
	st.PutAgent(&store.Agent{
		ID:          "agent-2",
		Hostname:    "ws-02",
		LastSeen:    now.Add(-time.Minute),
		OfflineTime: 4,
		OverdueTime: 30,
		Status:      store.AgentOnline,
	})

	sink := &captureSink{}
	m := NewAgentMonitor(st, NewMemoryLocker(), sink, time.Minute, "node-1", zerolog.Nop())
	m.Now = func() time.Time { return now }

	require.NoError(t, m.Tick(context.Background()))

	require.Len(t, sink.transitions, 1, "only the lapsed agent transitions")
	assert.Equal(t, "agent-1", sink.transitions[0].agentID)
	assert.Equal(t, store.AgentOnline, sink.transitions[0].from)
	assert.Equal(t, store.AgentOffline, sink.transitions[0].to)

	got, err := st.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentOffline, got.Status, "cached status refreshed")

	// Same state on the next pass: no duplicate transition.
	require.NoError(t, m.Tick(context.Background()))
	assert.Len(t, sink.transitions, 1)
}

func TestMonitorTickSkipsWhenLockHeld(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore()
	st.PutSettings(store.Settings{DefaultOfflineTime: 4, DefaultOverdueTime: 30})
	st.PutAgent(&store.Agent{
		ID:       "agent-1",
		LastSeen: now.Add(-10 * time.Minute),
		Status:   store.AgentOnline,
	})

	locker := NewMemoryLocker()
	ok, err := locker.TryAcquire(context.Background(), LockAgentMonitor, "other-node", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	sink := &captureSink{}
	m := NewAgentMonitor(st, locker, sink, time.Minute, "node-1", zerolog.Nop())
	m.Now = func() time.Time { return now }

	require.NoError(t, m.Tick(context.Background()))
	assert.Empty(t, sink.transitions, "contended tick does no work")

	got, err := st.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentOnline, got.Status)
}
