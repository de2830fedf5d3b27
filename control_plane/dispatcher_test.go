package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/fleetward/fleetward/control_plane/bus"
	"github.com/fleetward/fleetward/control_plane/store"
)

func testCommands(n int) []bus.Command {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cmds := make([]bus.Command, 0, n)
	for i := 0; i < n; i++ {
		agentID := "agent-" + string(rune('a'+i))
		cmds = append(cmds, bus.NewRunTask(agentID, &store.Task{ID: "task-1"}, now))
	}
	return cmds
}

func TestDispatchBusDownFailsAtomically(t *testing.T) {
	pub := bus.NewRecordingPublisher()
	pub.Down = true
	d := NewBulkDispatcher(pub, rate.Inf, 1, zerolog.Nop())

	results, err := d.Dispatch(context.Background(), testCommands(3))
	require.ErrorIs(t, err, ErrBatchFailed)
	assert.Nil(t, results)
	assert.Empty(t, pub.Commands(), "nothing may be sent when the batch fails")
}

func TestDispatchPartialFailureDoesNotRecall(t *testing.T) {
	pub := bus.NewRecordingPublisher()
	pub.FailAgents["agent-b"] = errors.New("subscriber gone")
	d := NewBulkDispatcher(pub, rate.Inf, 1, zerolog.Nop())

	cmds := testCommands(3)
	results, err := d.Dispatch(context.Background(), cmds)
	require.NoError(t, err, "per-item failure is not a batch failure")
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[2].Err)

	sent := pub.Commands()
	require.Len(t, sent, 2, "items around the failure still go out")
	assert.Equal(t, "agent-a", sent[0].AgentID)
	assert.Equal(t, "agent-c", sent[1].AgentID)
}

func TestDispatchEmptyBatchIsNoop(t *testing.T) {
	pub := bus.NewRecordingPublisher()
	pub.Down = true // must not even be pinged
	d := NewBulkDispatcher(pub, rate.Inf, 1, zerolog.Nop())

	results, err := d.Dispatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, results)
}
