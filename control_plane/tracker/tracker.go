// Package tracker owns the per-(task, agent) execution state machine: sync
// status (does the agent hold the current task definition), run status, and
// the row-level claim that gates re-dispatch.
package tracker

import (
	"context"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetward/fleetward/control_plane/alerts"
	"github.com/fleetward/fleetward/control_plane/observability"
	"github.com/fleetward/fleetward/control_plane/store"
)

const (
	// DefaultClaimWindow bounds how long one dispatch may stay in flight
	// before the row self-heals. Just under the 60s tick so a crashed holder
	// is reclaimable by the very next cycle.
	DefaultClaimWindow = 55 * time.Second

	// DefaultRunningTimeout is how long a row may sit in running with no
	// agent report before the sweep marks it failing.
	DefaultRunningTimeout = 15 * time.Minute
)

// Tracker coordinates result-row state around the dispatch path.
type Tracker struct {
	store store.Store
	sink  alerts.Sink
	log   zerolog.Logger

	ClaimWindow    time.Duration
	RunningTimeout time.Duration
}

// NewTracker wires a tracker with the default windows.
func NewTracker(s store.Store, sink alerts.Sink, log zerolog.Logger) *Tracker {
	return &Tracker{
		store:          s,
		sink:           sink,
		log:            log.With().Str("component", "tracker").Logger(),
		ClaimWindow:    DefaultClaimWindow,
		RunningTimeout: DefaultRunningTimeout,
	}
}

// ShouldDispatch applies the per-type gating that precedes a claim attempt,
// lazily creating the result row. It does not claim; a true result means the
// pair is eligible to race for the claim.
func (t *Tracker) ShouldDispatch(ctx context.Context, task *store.Task, agentID string) (bool, *store.TaskResult, error) {
	result, err := t.store.EnsureTaskResult(ctx, task.ID, agentID)
	if err != nil {
		return false, nil, err
	}
	if result.SyncStatus == store.SyncPendingDeletion {
		return false, result, nil
	}

	switch task.Type {
	case store.TaskRunOnce:
		// The evaluator is stateless and would match the same minute forever
		// on a frozen clock; any recorded run retires the task.
		if result.LastRunAt != nil {
			return false, result, nil
		}
	case store.TaskOnboarding:
		// Fires exactly once: never run and not already mid-dispatch.
		if result.LastRunAt != nil || result.RunStatus == store.RunRunning {
			return false, result, nil
		}
	case store.TaskManual, store.TaskCheckFailure:
		// Never auto-dispatched by the scheduler tick.
		return false, result, nil
	}
	return true, result, nil
}

// Claim attempts to win the (task, agent) row for this dispatch cycle. Losing
// is steady state, not an error: another instance got there first, or the
// previous dispatch is still inside its window.
func (t *Tracker) Claim(ctx context.Context, taskID, agentID string, now time.Time) (bool, error) {
	won, err := t.store.ClaimTaskResult(ctx, taskID, agentID, now, now.Add(-t.ClaimWindow))
	if err != nil {
		return false, err
	}
	if won {
		observability.ClaimsWon.Inc()
	} else {
		observability.ClaimsLost.Inc()
	}
	return won, nil
}

// Release undoes a claim whose command never reached the bus.
func (t *Tracker) Release(ctx context.Context, taskID, agentID string) error {
	return t.store.ReleaseTaskResult(ctx, taskID, agentID)
}

// RecordRun stores an agent-reported result. Nonzero exit means failing and
// is surfaced to the alert sink.
func (t *Tracker) RecordRun(ctx context.Context, taskID, agentID string, stdout, stderr string, retcode int, ranAt time.Time) error {
	status := store.RunCompleted
	if retcode != 0 {
		status = store.RunFailing
	}
	if err := t.store.RecordTaskRun(ctx, taskID, agentID, status, stdout, stderr, retcode, ranAt); err != nil {
		return err
	}
	if status == store.RunFailing && t.sink != nil {
		result, err := t.store.GetTaskResult(ctx, taskID, agentID)
		if err == nil && result != nil {
			t.sink.TaskFailing(result)
		}
	}
	return nil
}

// AckSync marks the agent as holding the current task definition.
func (t *Tracker) AckSync(ctx context.Context, taskID, agentID string) error {
	return t.store.SetTaskResultSync(ctx, taskID, agentID, store.SyncSynced)
}

// MarkPendingDeletion flags every result row for the task so dispatch stops
// while the agents confirm removal of their local scheduled-task objects.
func (t *Tracker) MarkPendingDeletion(ctx context.Context, taskID, agentID string) error {
	return t.store.SetTaskResultSync(ctx, taskID, agentID, store.SyncPendingDeletion)
}

// NotifyTaskEdited flips result rows to notsynced when an edit touched a
// field the agent acts on. Cosmetic edits (name, bookkeeping timestamps) do
// not trigger a re-sync. Returns the number of rows flipped.
func (t *Tracker) NotifyTaskEdited(ctx context.Context, before, after *store.Task) (int64, error) {
	if !agentVisibleChanged(before, after) {
		return 0, nil
	}
	n, err := t.store.MarkTaskResultsNotSynced(ctx, after.ID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.log.Info().
			Str("task_id", after.ID).
			Int64("rows", n).
			Msg("task edit invalidated agent-side definitions")
	}
	return n, nil
}

// agentVisibleChanged is the explicit allow-list of fields the agent's local
// scheduler mirrors.
func agentVisibleChanged(before, after *store.Task) bool {
	switch {
	case before.Enabled != after.Enabled,
		before.Type != after.Type,
		before.RunTime != after.RunTime,
		!equalTimePtr(before.RunAt, after.RunAt),
		before.WeekdayMask != after.WeekdayMask,
		before.MonthMask != after.MonthMask,
		before.MonthDayMask != after.MonthDayMask,
		before.WeekOfMonthMask != after.WeekOfMonthMask,
		before.DailyInterval != after.DailyInterval,
		before.WeeklyInterval != after.WeeklyInterval,
		before.TimeoutSeconds != after.TimeoutSeconds,
		!reflect.DeepEqual(before.Actions, after.Actions):
		return true
	}
	return false
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// SweepTimeouts marks rows stuck in running past the timeout as failing. The
// agent never reported; there is nothing to retry automatically.
func (t *Tracker) SweepTimeouts(ctx context.Context, now time.Time) (int, error) {
	stale, err := t.store.ListRunningTaskResultsBefore(ctx, now.Add(-t.RunningTimeout))
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, r := range stale {
		err := t.store.RecordTaskRun(ctx, r.TaskID, r.AgentID, store.RunFailing, "", "no result reported before timeout", -1, now)
		if err != nil {
			t.log.Error().Err(err).
				Str("task_id", r.TaskID).
				Str("agent_id", r.AgentID).
				Msg("timeout sweep update failed")
			continue
		}
		swept++
		observability.TaskTimeouts.Inc()
		t.log.Warn().
			Str("task_id", r.TaskID).
			Str("agent_id", r.AgentID).
			Time("locked_at", derefTime(r.LockedAt)).
			Msg("running task timed out")
		if t.sink != nil {
			if result, err := t.store.GetTaskResult(ctx, r.TaskID, r.AgentID); err == nil && result != nil {
				t.sink.TaskFailing(result)
			}
		}
	}
	return swept, nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// ClaimCheck mirrors Claim for check rows.
func (t *Tracker) ClaimCheck(ctx context.Context, checkID, agentID string, now time.Time) (bool, error) {
	if _, err := t.store.EnsureCheckResult(ctx, checkID, agentID); err != nil {
		return false, err
	}
	won, err := t.store.ClaimCheckResult(ctx, checkID, agentID, now, now.Add(-t.ClaimWindow))
	if err != nil {
		return false, err
	}
	if won {
		observability.ClaimsWon.Inc()
	} else {
		observability.ClaimsLost.Inc()
	}
	return won, nil
}

// ReleaseCheck mirrors Release for check rows.
func (t *Tracker) ReleaseCheck(ctx context.Context, checkID, agentID string) error {
	return t.store.ReleaseCheckResult(ctx, checkID, agentID)
}

// RecordCheckRun stores an agent-reported check evaluation.
func (t *Tracker) RecordCheckRun(ctx context.Context, checkID, agentID string, output string, retcode int, ranAt time.Time) error {
	status := store.CheckPassing
	if retcode != 0 {
		status = store.CheckFailing
	}
	if err := t.store.RecordCheckRun(ctx, checkID, agentID, status, output, retcode, ranAt); err != nil {
		return err
	}
	if status == store.CheckFailing && t.sink != nil {
		t.sink.CheckFailing(&store.CheckResult{
			CheckID: checkID,
			AgentID: agentID,
			Status:  status,
			RetCode: retcode,
		})
	}
	return nil
}
