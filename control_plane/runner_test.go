package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/fleetward/fleetward/control_plane/bus"
	"github.com/fleetward/fleetward/control_plane/coordination"
	"github.com/fleetward/fleetward/control_plane/policy"
	"github.com/fleetward/fleetward/control_plane/store"
	"github.com/fleetward/fleetward/control_plane/tracker"
)

// 2025-06-03 is a Tuesday; 10:00 in Los Angeles is 17:00 UTC during DST.
var tueTenLA = time.Date(2025, 6, 3, 17, 0, 0, 0, time.UTC)

type runnerFixture struct {
	store  *store.MemoryStore
	pub    *bus.RecordingPublisher
	runner *Runner
	now    time.Time
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	st := store.NewMemoryStore()
	st.PutClient(&store.Client{ID: "client-1", Name: "acme"})
	st.PutSite(&store.Site{ID: "site-1", ClientID: "client-1", Name: "hq"})
	st.PutAgent(&store.Agent{
		ID:       "agent-1",
		Hostname: "ws-01",
		SiteID:   "site-1",
		Timezone: "America/Los_Angeles",
		PolicyID: "policy-1",
		Status:   store.AgentOnline,
	})
	st.PutPolicy(&store.Policy{ID: "policy-1", Name: "workstations", Active: true})
	st.PutTask(&store.Task{
		ID:          "task-1",
		Name:        "weekly cleanup",
		PolicyID:    "policy-1",
		Enabled:     true,
		Type:        store.TaskWeekly,
		RunTime:     "10:00",
		WeekdayMask: 1 << time.Tuesday,
		Actions:     []store.TaskAction{{Command: "cleanup.sh"}},
	})

	f := &runnerFixture{store: st, pub: bus.NewRecordingPublisher(), now: tueTenLA}
	log := zerolog.Nop()
	tr := tracker.NewTracker(st, nil, log)
	resolver := policy.NewResolver(st, log)
	dispatcher := NewBulkDispatcher(f.pub, rate.Inf, 1, log)
	f.runner = NewRunner(st, resolver, tr, dispatcher, coordination.NewMemoryLocker(), time.Minute, "node-1", log)
	f.runner.Now = func() time.Time { return f.now }
	return f
}

func runTaskCommands(cmds []bus.Command) []bus.Command {
	var out []bus.Command
	for _, c := range cmds {
		if c.Kind == bus.KindRunTask {
			out = append(out, c)
		}
	}
	return out
}

func TestTickDispatchesDueTaskExactlyOnce(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.runner.Tick(ctx))
	runs := runTaskCommands(f.pub.CommandsFor("agent-1"))
	require.Len(t, runs, 1)
	assert.Equal(t, "task-1", runs[0].RunTask.TaskID)
	assert.Equal(t, "cleanup.sh", runs[0].RunTask.Actions[0].Command)

	// First dispatch also pushes the definition: the row was still initial.
	var syncs int
	for _, c := range f.pub.CommandsFor("agent-1") {
		if c.Kind == bus.KindSyncTask {
			syncs++
		}
	}
	assert.Equal(t, 1, syncs)

	// A second pass inside the same minute loses the row claim.
	f.now = tueTenLA.Add(10 * time.Second)
	require.NoError(t, f.runner.Tick(ctx))
	assert.Len(t, runTaskCommands(f.pub.Commands()), 1)

	// 10:01 local: no longer due.
	f.now = tueTenLA.Add(time.Minute)
	require.NoError(t, f.runner.Tick(ctx))
	assert.Len(t, runTaskCommands(f.pub.Commands()), 1)

	// Wednesday 10:00: wrong weekday.
	f.now = tueTenLA.Add(24 * time.Hour)
	require.NoError(t, f.runner.Tick(ctx))
	assert.Len(t, runTaskCommands(f.pub.Commands()), 1)
}

func TestOverlappingInstancesDispatchOnce(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()

	// A second instance whose lock backend is partitioned from the first:
	// the named tick lock does not save us, the row claim must.
	log := zerolog.Nop()
	tr := tracker.NewTracker(f.store, nil, log)
	resolver := policy.NewResolver(f.store, log)
	dispatcher := NewBulkDispatcher(f.pub, rate.Inf, 1, log)
	other := NewRunner(f.store, resolver, tr, dispatcher, coordination.NewMemoryLocker(), time.Minute, "node-2", log)
	other.Now = f.runner.Now

	require.NoError(t, f.runner.Tick(ctx))
	require.NoError(t, other.Tick(ctx))

	assert.Len(t, runTaskCommands(f.pub.Commands()), 1, "both instances ran, one dispatch went out")
}

func TestStaleRowClaimIsReclaimed(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()

	// A previous holder claimed the row two minutes ago and crashed without
	// releasing. By the due minute the claim is past the window.
	_, err := f.store.EnsureTaskResult(ctx, "task-1", "agent-1")
	require.NoError(t, err)
	staleAt := tueTenLA.Add(-2 * time.Minute)
	won, err := f.store.ClaimTaskResult(ctx, "task-1", "agent-1", staleAt, staleAt.Add(-time.Second))
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, f.runner.Tick(ctx))
	assert.Len(t, runTaskCommands(f.pub.Commands()), 1, "expired claim must not block dispatch")
}

func TestBusDownRollsBackClaimsAndNextTickRetries(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()

	f.pub.Down = true
	require.NoError(t, f.runner.Tick(ctx), "batch failure is steady state, not a tick error")
	assert.Empty(t, f.pub.Commands())

	result, err := f.store.GetTaskResult(ctx, "task-1", "agent-1")
	require.NoError(t, err)
	assert.Nil(t, result.LockedAt, "claim released after batch failure")
	assert.Equal(t, store.RunPending, result.RunStatus)

	// Bus recovers inside the same due minute: the retry goes out.
	f.pub.Down = false
	f.now = tueTenLA.Add(10 * time.Second)
	require.NoError(t, f.runner.Tick(ctx))
	assert.Len(t, runTaskCommands(f.pub.Commands()), 1)
}

func TestOverdueAgentIsSkipped(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()

	agent, err := f.store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	agent.Status = store.AgentOverdue
	f.store.PutAgent(agent)

	require.NoError(t, f.runner.Tick(ctx))
	assert.Empty(t, f.pub.Commands())
}

func TestDisabledAndMisconfiguredTasksAreIsolated(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()

	f.store.PutTask(&store.Task{
		ID:       "task-disabled",
		Name:     "disabled job",
		PolicyID: "policy-1",
		Enabled:  false,
		Type:     store.TaskWeekly,
		RunTime:  "10:00",
		// every day
		WeekdayMask: 0x7F,
	})
	f.store.PutTask(&store.Task{
		ID:       "task-broken",
		Name:     "no run time",
		PolicyID: "policy-1",
		Enabled:  true,
		Type:     store.TaskDaily,
		// RunTime missing: fails closed without killing the tick
	})

	require.NoError(t, f.runner.Tick(ctx))
	runs := runTaskCommands(f.pub.Commands())
	require.Len(t, runs, 1, "healthy task still dispatched")
	assert.Equal(t, "task-1", runs[0].RunTask.TaskID)
}

func TestChecksDispatchOnInterval(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()

	f.store.PutCheck(&store.Check{
		ID:              "check-1",
		AgentID:         "agent-1",
		Type:            store.CheckDiskSpace,
		Target:          "/",
		IntervalSeconds: 120,
	})

	// Off the task's due minute so only check traffic flows.
	f.now = tueTenLA.Add(5 * time.Minute)
	require.NoError(t, f.runner.Tick(ctx))

	var checkCmds []bus.Command
	for _, c := range f.pub.Commands() {
		if c.Kind == bus.KindRunChecks {
			checkCmds = append(checkCmds, c)
		}
	}
	require.Len(t, checkCmds, 1)
	assert.Equal(t, []string{"check-1"}, checkCmds[0].RunChecks.CheckIDs)

	// Agent reports; the next tick inside the interval stays quiet.
	require.NoError(t, f.store.RecordCheckRun(ctx, "check-1", "agent-1", store.CheckPassing, "ok", 0, f.now))
	f.pub.Reset()
	f.now = f.now.Add(time.Minute)
	require.NoError(t, f.runner.Tick(ctx))
	assert.Empty(t, f.pub.Commands())

	// Past the interval it fires again.
	f.now = f.now.Add(time.Minute)
	require.NoError(t, f.runner.Tick(ctx))
	require.Len(t, f.pub.Commands(), 1)
	assert.Equal(t, bus.KindRunChecks, f.pub.Commands()[0].Kind)
}
