// Package alerts defines the narrow contract through which this core exposes
// derived failure state to the notification layer. Delivery (email/SMS) is an
// external collaborator; nothing here sends anything.
package alerts

import (
	"github.com/rs/zerolog"

	"github.com/fleetward/fleetward/control_plane/store"
)

// Sink consumes status and run-failure transitions.
type Sink interface {
	AgentStatusChanged(agent *store.Agent, from, to store.AgentStatus)
	TaskFailing(result *store.TaskResult)
	CheckFailing(result *store.CheckResult)
}

// LogSink writes transitions to the structured log. Used until a real
// notification collaborator is attached, and alongside one in dev.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink returns a Sink logging at warn level.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "alerts").Logger()}
}

func (s *LogSink) AgentStatusChanged(agent *store.Agent, from, to store.AgentStatus) {
	s.log.Warn().
		Str("agent_id", agent.ID).
		Str("hostname", agent.Hostname).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("agent status changed")
}

func (s *LogSink) TaskFailing(result *store.TaskResult) {
	s.log.Warn().
		Str("task_id", result.TaskID).
		Str("agent_id", result.AgentID).
		Int("retcode", result.RetCode).
		Msg("task failing")
}

func (s *LogSink) CheckFailing(result *store.CheckResult) {
	s.log.Warn().
		Str("check_id", result.CheckID).
		Str("agent_id", result.AgentID).
		Int("retcode", result.RetCode).
		Msg("check failing")
}

// Multi fans transitions out to several sinks.
type Multi []Sink

func (m Multi) AgentStatusChanged(agent *store.Agent, from, to store.AgentStatus) {
	for _, s := range m {
		s.AgentStatusChanged(agent, from, to)
	}
}

func (m Multi) TaskFailing(result *store.TaskResult) {
	for _, s := range m {
		s.TaskFailing(result)
	}
}

func (m Multi) CheckFailing(result *store.CheckResult) {
	for _, s := range m {
		s.CheckFailing(result)
	}
}
