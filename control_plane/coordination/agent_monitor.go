package coordination

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetward/fleetward/control_plane/alerts"
	"github.com/fleetward/fleetward/control_plane/observability"
	"github.com/fleetward/fleetward/control_plane/store"
)

// Classify derives an agent's status from elapsed time since last checkin
// versus its two thresholds: online within offline_time, offline within
// overdue_time, overdue past both. Zero thresholds fall back to the settings
// defaults. Pure function of its inputs; "time passing with no event" is what
// moves an agent along, so the caller must recompute periodically.
func Classify(agent *store.Agent, now time.Time, defaults *store.Settings) store.AgentStatus {
	offline := agent.OfflineTime
	overdue := agent.OverdueTime
	if offline <= 0 && defaults != nil {
		offline = defaults.DefaultOfflineTime
	}
	if overdue <= 0 && defaults != nil {
		overdue = defaults.DefaultOverdueTime
	}

	elapsed := now.Sub(agent.LastSeen)
	if elapsed <= time.Duration(offline)*time.Minute {
		return store.AgentOnline
	}
	if elapsed <= time.Duration(overdue)*time.Minute {
		return store.AgentOffline
	}
	return store.AgentOverdue
}

// AgentMonitor periodically reclassifies every agent, refreshes the cached
// status column and surfaces transitions to the alert sink. It runs on its
// own tick, decoupled from the task runner, under its own named lock.
type AgentMonitor struct {
	store    store.Store
	locker   Locker
	sink     alerts.Sink
	interval time.Duration
	owner    string
	log      zerolog.Logger

	// Now is injectable for tests.
	Now func() time.Time
}

// NewAgentMonitor wires a monitor; owner identifies this scheduler instance
// in the named lock.
func NewAgentMonitor(s store.Store, locker Locker, sink alerts.Sink, interval time.Duration, owner string, log zerolog.Logger) *AgentMonitor {
	return &AgentMonitor{
		store:    s,
		locker:   locker,
		sink:     sink,
		interval: interval,
		owner:    owner,
		log:      log.With().Str("component", "agent_monitor").Logger(),
		Now:      time.Now,
	}
}

// Start runs the monitor loop until ctx is cancelled.
func (m *AgentMonitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *AgentMonitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info().Dur("interval", m.interval).Msg("agent liveness monitor started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				m.log.Error().Err(err).Msg("monitor tick failed")
			}
		}
	}
}

// Tick classifies the whole fleet once. Lock contention means another
// instance is already doing this pass; skip and let the next tick retry.
func (m *AgentMonitor) Tick(ctx context.Context) error {
	acquired, err := m.locker.TryAcquire(ctx, LockAgentMonitor, m.owner, m.interval)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer m.locker.Release(ctx, LockAgentMonitor, m.owner)

	settings, err := m.store.GetSettings(ctx)
	if err != nil {
		return err
	}
	agents, err := m.store.ListAgents(ctx)
	if err != nil {
		return err
	}

	now := m.Now()
	counts := map[store.AgentStatus]int{}
	for _, agent := range agents {
		status := Classify(agent, now, settings)
		counts[status]++
		if status == agent.Status {
			continue
		}
		if err := m.store.SetAgentStatus(ctx, agent.ID, status); err != nil {
			m.log.Error().Err(err).Str("agent_id", agent.ID).Msg("failed to cache agent status")
			continue
		}
		observability.StatusTransitions.WithLabelValues(string(agent.Status), string(status)).Inc()
		m.log.Info().
			Str("agent_id", agent.ID).
			Str("hostname", agent.Hostname).
			Str("from", string(agent.Status)).
			Str("to", string(status)).
			Msg("agent status transition")
		if m.sink != nil {
			m.sink.AgentStatusChanged(agent, agent.Status, status)
		}
	}

	for _, status := range []store.AgentStatus{store.AgentOnline, store.AgentOffline, store.AgentOverdue} {
		observability.AgentsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	return nil
}
