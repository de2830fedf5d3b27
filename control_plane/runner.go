package main

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetward/fleetward/control_plane/bus"
	"github.com/fleetward/fleetward/control_plane/coordination"
	"github.com/fleetward/fleetward/control_plane/observability"
	"github.com/fleetward/fleetward/control_plane/policy"
	"github.com/fleetward/fleetward/control_plane/schedule"
	"github.com/fleetward/fleetward/control_plane/store"
	"github.com/fleetward/fleetward/control_plane/tracker"
)

// Runner drives the scheduler tick: resolve each agent's effective task set,
// evaluate what is due in the agent's own timezone, claim, and bulk-dispatch.
// Everything per-item is isolated; one misconfigured task or missing row
// never takes down a tick.
type Runner struct {
	store      store.Store
	resolver   *policy.Resolver
	tracker    *tracker.Tracker
	dispatcher *BulkDispatcher
	locker     coordination.Locker
	interval   time.Duration
	owner      string
	log        zerolog.Logger

	// Now is injectable for tests.
	Now func() time.Time
}

// NewRunner wires a runner; owner identifies this scheduler instance in the
// named tick lock.
func NewRunner(s store.Store, resolver *policy.Resolver, tr *tracker.Tracker, d *BulkDispatcher, locker coordination.Locker, interval time.Duration, owner string, log zerolog.Logger) *Runner {
	return &Runner{
		store:      s,
		resolver:   resolver,
		tracker:    tr,
		dispatcher: d,
		locker:     locker,
		interval:   interval,
		owner:      owner,
		log:        log.With().Str("component", "runner").Logger(),
		Now:        time.Now,
	}
}

// Start runs the tick loop until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	go r.loop(ctx)
}

func (r *Runner) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", r.interval).Msg("task runner started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				r.log.Error().Err(err).Msg("tick failed")
			}
		}
	}
}

// claimRef identifies one row-level claim taken for the current batch, so a
// whole-batch bus failure can put every row back.
type claimRef struct {
	check   bool
	itemID  string
	agentID string
}

// Tick runs one scheduler pass. Lock contention is the normal multi-instance
// case: skip, the other instance has this minute covered.
func (r *Runner) Tick(ctx context.Context) error {
	acquired, err := r.locker.TryAcquire(ctx, coordination.LockTaskRunner, r.owner, r.interval)
	if err != nil {
		return err
	}
	if !acquired {
		observability.SchedulerTicksSkipped.Inc()
		return nil
	}
	defer r.locker.Release(ctx, coordination.LockTaskRunner, r.owner)

	start := time.Now()
	defer func() {
		observability.SchedulerTickDuration.Observe(time.Since(start).Seconds())
	}()

	now := r.Now().UTC()
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return err
	}

	var (
		cmds   []bus.Command
		claims []claimRef
	)
	for _, agent := range agents {
		// Overdue agents have been gone past their own threshold; commands
		// to them would only evaporate on the bus.
		if agent.Status == store.AgentOverdue {
			continue
		}
		agentCmds, agentClaims := r.collectAgentWork(ctx, agent, now)
		cmds = append(cmds, agentCmds...)
		claims = append(claims, agentClaims...)
	}

	if err := r.dispatchBatch(ctx, cmds, claims); err != nil {
		return err
	}

	if _, err := r.tracker.SweepTimeouts(ctx, now); err != nil {
		r.log.Error().Err(err).Msg("timeout sweep failed")
	}
	return nil
}

// collectAgentWork gathers due tasks and checks for one agent. Store or
// resolution errors are isolated to the agent; evaluation errors to the item.
func (r *Runner) collectAgentWork(ctx context.Context, agent *store.Agent, now time.Time) ([]bus.Command, []claimRef) {
	loc := policy.AgentLocation(agent)

	var (
		cmds   []bus.Command
		claims []claimRef
	)

	tasks, err := r.resolver.ResolveTasks(ctx, agent, true)
	if err != nil {
		observability.EvaluationErrors.WithLabelValues("resolve").Inc()
		r.log.Error().Err(err).Str("agent_id", agent.ID).Msg("task resolution failed")
	}
	for _, task := range tasks {
		if !task.Enabled {
			continue
		}

		due := task.Type == store.TaskOnboarding
		if !due {
			due, err = schedule.IsDue(task, loc, now)
			if err != nil {
				// Misconfigured tasks fail closed but must be tellable apart
				// from a normal not-due in the logs.
				observability.EvaluationErrors.WithLabelValues("misconfigured").Inc()
				r.log.Error().Err(err).
					Str("task_id", task.ID).
					Str("agent_id", agent.ID).
					Msg("task not evaluated")
				continue
			}
		}
		if !due {
			continue
		}
		observability.TasksDue.Inc()

		ok, result, err := r.tracker.ShouldDispatch(ctx, task, agent.ID)
		if err != nil {
			observability.EvaluationErrors.WithLabelValues("store").Inc()
			r.log.Error().Err(err).Str("task_id", task.ID).Str("agent_id", agent.ID).Msg("dispatch gating failed")
			continue
		}
		if !ok {
			continue
		}

		won, err := r.tracker.Claim(ctx, task.ID, agent.ID, now)
		if err != nil {
			observability.EvaluationErrors.WithLabelValues("store").Inc()
			r.log.Error().Err(err).Str("task_id", task.ID).Str("agent_id", agent.ID).Msg("claim failed")
			continue
		}
		if !won {
			continue
		}

		// The agent runs whatever definition it holds; push the current one
		// first when it is stale.
		if result.SyncStatus != store.SyncSynced {
			cmds = append(cmds, bus.NewSyncTask(agent.ID, task, now))
		}
		cmds = append(cmds, bus.NewRunTask(agent.ID, task, now))
		claims = append(claims, claimRef{itemID: task.ID, agentID: agent.ID})
	}

	if checkCmd, checkClaims := r.collectAgentChecks(ctx, agent, now); checkCmd != nil {
		cmds = append(cmds, *checkCmd)
		claims = append(claims, checkClaims...)
	}
	return cmds, claims
}

// collectAgentChecks claims the agent's interval-due checks and folds them
// into a single run_checks command.
func (r *Runner) collectAgentChecks(ctx context.Context, agent *store.Agent, now time.Time) (*bus.Command, []claimRef) {
	checks, err := r.resolver.ResolveChecks(ctx, agent, true)
	if err != nil {
		observability.EvaluationErrors.WithLabelValues("resolve").Inc()
		r.log.Error().Err(err).Str("agent_id", agent.ID).Msg("check resolution failed")
		return nil, nil
	}

	var (
		dueIDs []string
		claims []claimRef
	)
	for _, check := range checks {
		result, err := r.store.EnsureCheckResult(ctx, check.ID, agent.ID)
		if err != nil {
			observability.EvaluationErrors.WithLabelValues("store").Inc()
			continue
		}
		interval := time.Duration(check.IntervalSeconds) * time.Second
		if result.LastRunAt != nil && now.Sub(*result.LastRunAt) < interval {
			continue
		}

		won, err := r.tracker.ClaimCheck(ctx, check.ID, agent.ID, now)
		if err != nil || !won {
			continue
		}
		dueIDs = append(dueIDs, check.ID)
		claims = append(claims, claimRef{check: true, itemID: check.ID, agentID: agent.ID})
	}
	if len(dueIDs) == 0 {
		return nil, nil
	}
	cmd := bus.NewRunChecks(agent.ID, dueIDs, now)
	return &cmd, claims
}

// dispatchBatch sends the tick's batch. A whole-batch failure releases every
// claim so the next tick retries wholesale; per-item failures keep their
// claims (the window expiring turns them into retries).
func (r *Runner) dispatchBatch(ctx context.Context, cmds []bus.Command, claims []claimRef) error {
	results, err := r.dispatcher.Dispatch(ctx, cmds)
	if errors.Is(err, ErrBatchFailed) {
		for _, c := range claims {
			var relErr error
			if c.check {
				relErr = r.tracker.ReleaseCheck(ctx, c.itemID, c.agentID)
			} else {
				relErr = r.tracker.Release(ctx, c.itemID, c.agentID)
			}
			if relErr != nil {
				r.log.Error().Err(relErr).
					Str("item_id", c.itemID).
					Str("agent_id", c.agentID).
					Msg("claim release failed, window expiry will self-heal")
			}
		}
		r.log.Warn().Int("batch", len(cmds)).Msg("batch rolled back, retrying next tick")
		return nil
	}
	if err != nil {
		return err
	}

	sent := 0
	for _, res := range results {
		if res.Err == nil {
			sent++
		}
	}
	if len(cmds) > 0 {
		r.log.Info().
			Int("sent", sent).
			Int("failed", len(cmds)-sent).
			Msg("batch dispatched")
	}
	return nil
}
