// Package bus carries commands from the control plane to agents. The command
// set is a closed tagged union: agents reject kinds they do not recognize, so
// new kinds are added here and rolled out to agents before any dispatcher
// starts sending them.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetward/fleetward/control_plane/store"
)

// CommandKind discriminates the envelope payload.
type CommandKind string

const (
	// KindRunTask instructs the agent to execute one task's action chain.
	KindRunTask CommandKind = "run_task"
	// KindRunChecks instructs the agent to run its resolved check set.
	KindRunChecks CommandKind = "run_checks"
	// KindSyncTask pushes a task definition to the agent's local scheduler.
	KindSyncTask CommandKind = "sync_task"
	// KindRemoveTask withdraws a task from the agent's local scheduler.
	KindRemoveTask CommandKind = "remove_task"
)

// Command is the wire envelope. Exactly one payload field is set, matching
// Kind.
type Command struct {
	ID      string      `json:"id"`
	Kind    CommandKind `json:"kind"`
	AgentID string      `json:"agent_id"`
	SentAt  time.Time   `json:"sent_at"`

	RunTask    *RunTaskPayload    `json:"run_task,omitempty"`
	RunChecks  *RunChecksPayload  `json:"run_checks,omitempty"`
	SyncTask   *SyncTaskPayload   `json:"sync_task,omitempty"`
	RemoveTask *RemoveTaskPayload `json:"remove_task,omitempty"`
}

// RunTaskPayload names the task to execute and carries its actions so the
// agent does not need a readback.
type RunTaskPayload struct {
	TaskID  string             `json:"task_id"`
	Timeout int                `json:"timeout"`
	Actions []store.TaskAction `json:"actions"`
}

// RunChecksPayload asks the agent to run checks now rather than waiting for
// its own interval.
type RunChecksPayload struct {
	CheckIDs []string `json:"check_ids,omitempty"`
}

// SyncTaskPayload carries the schedule fields the agent's local scheduler
// mirrors.
type SyncTaskPayload struct {
	TaskID string      `json:"task_id"`
	Task   *store.Task `json:"task"`
}

// RemoveTaskPayload identifies the task to withdraw.
type RemoveTaskPayload struct {
	TaskID string `json:"task_id"`
}

// NewRunTask builds a run_task command for one agent.
func NewRunTask(agentID string, task *store.Task, now time.Time) Command {
	return Command{
		ID:      uuid.NewString(),
		Kind:    KindRunTask,
		AgentID: agentID,
		SentAt:  now,
		RunTask: &RunTaskPayload{
			TaskID:  task.ID,
			Timeout: task.TimeoutSeconds,
			Actions: task.Actions,
		},
	}
}

// NewRunChecks builds a run_checks command for one agent.
func NewRunChecks(agentID string, checkIDs []string, now time.Time) Command {
	return Command{
		ID:        uuid.NewString(),
		Kind:      KindRunChecks,
		AgentID:   agentID,
		SentAt:    now,
		RunChecks: &RunChecksPayload{CheckIDs: checkIDs},
	}
}

// NewSyncTask builds a sync_task command for one agent.
func NewSyncTask(agentID string, task *store.Task, now time.Time) Command {
	return Command{
		ID:       uuid.NewString(),
		Kind:     KindSyncTask,
		AgentID:  agentID,
		SentAt:   now,
		SyncTask: &SyncTaskPayload{TaskID: task.ID, Task: task},
	}
}

// NewRemoveTask builds a remove_task command for one agent.
func NewRemoveTask(agentID, taskID string, now time.Time) Command {
	return Command{
		ID:         uuid.NewString(),
		Kind:       KindRemoveTask,
		AgentID:    agentID,
		SentAt:     now,
		RemoveTask: &RemoveTaskPayload{TaskID: taskID},
	}
}

// Validate checks the envelope carries the payload its kind requires.
func (c Command) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("command %s: missing agent id", c.ID)
	}
	switch c.Kind {
	case KindRunTask:
		if c.RunTask == nil || c.RunTask.TaskID == "" {
			return fmt.Errorf("command %s: run_task payload missing", c.ID)
		}
	case KindRunChecks:
		if c.RunChecks == nil {
			return fmt.Errorf("command %s: run_checks payload missing", c.ID)
		}
	case KindSyncTask:
		if c.SyncTask == nil || c.SyncTask.Task == nil {
			return fmt.Errorf("command %s: sync_task payload missing", c.ID)
		}
	case KindRemoveTask:
		if c.RemoveTask == nil || c.RemoveTask.TaskID == "" {
			return fmt.Errorf("command %s: remove_task payload missing", c.ID)
		}
	default:
		return fmt.Errorf("command %s: unknown kind %q", c.ID, c.Kind)
	}
	return nil
}

// Encode marshals the envelope for the wire.
func (c Command) Encode() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// Decode parses and validates a wire envelope.
func Decode(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, err
	}
	return c, c.Validate()
}
