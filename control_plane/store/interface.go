package store

import (
	"context"
	"time"
)

// Store is the persistence backend. Lookups return (nil, nil) when the row
// does not exist; callers treat dangling references as "no policy at that
// level" rather than errors.
//
// ClaimTaskResult / ClaimCheckResult are the mutual-exclusion primitive for
// the dispatch path: a conditional update that only succeeds when the row's
// locked_at is empty or older than the cutoff, reporting whether this caller
// won the row. This is what keeps concurrent scheduler instances from
// double-claiming, independent of the coarser named tick lock.
type Store interface {
	// Agents
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	UpdateAgentLastSeen(ctx context.Context, agentID string, t time.Time) error
	SetAgentStatus(ctx context.Context, agentID string, status AgentStatus) error
	// UpdateThresholdsForClient applies new offline/overdue thresholds to
	// every agent under the client, returning the number of rows touched.
	// Zero for a threshold leaves that column unchanged.
	UpdateThresholdsForClient(ctx context.Context, clientID string, offlineTime, overdueTime int) (int64, error)

	// Org hierarchy
	GetSite(ctx context.Context, siteID string) (*Site, error)
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// Policies
	GetPolicy(ctx context.Context, policyID string) (*Policy, error)
	GetPatchPolicy(ctx context.Context, policyID string) (*PatchPolicy, error)

	// Checks and tasks
	ListAgentChecks(ctx context.Context, agentID string) ([]*Check, error)
	ListPolicyChecks(ctx context.Context, policyID string) ([]*Check, error)
	ListAgentTasks(ctx context.Context, agentID string) ([]*Task, error)
	ListPolicyTasks(ctx context.Context, policyID string) ([]*Task, error)
	GetTask(ctx context.Context, taskID string) (*Task, error)

	// Task results
	GetTaskResult(ctx context.Context, taskID, agentID string) (*TaskResult, error)
	// EnsureTaskResult lazily creates the (task, agent) row on first dispatch
	// attempt and returns it.
	EnsureTaskResult(ctx context.Context, taskID, agentID string) (*TaskResult, error)
	// ClaimTaskResult atomically sets locked_at=now and run_status=running iff
	// locked_at is empty or before cutoff. Returns true when the row was won.
	ClaimTaskResult(ctx context.Context, taskID, agentID string, now, cutoff time.Time) (bool, error)
	// ReleaseTaskResult undoes a claim that never reached the bus: clears
	// locked_at and returns run_status to pending.
	ReleaseTaskResult(ctx context.Context, taskID, agentID string) error
	RecordTaskRun(ctx context.Context, taskID, agentID string, status RunStatus, stdout, stderr string, retcode int, ranAt time.Time) error
	SetTaskResultSync(ctx context.Context, taskID, agentID string, status SyncStatus) error
	// MarkTaskResultsNotSynced flips every result row referencing the task to
	// notsynced, returning the number of rows touched.
	MarkTaskResultsNotSynced(ctx context.Context, taskID string) (int64, error)
	// ListRunningTaskResultsBefore returns running rows whose claim timestamp
	// is older than cutoff, for the timeout sweep.
	ListRunningTaskResultsBefore(ctx context.Context, cutoff time.Time) ([]*TaskResult, error)

	// Check results
	EnsureCheckResult(ctx context.Context, checkID, agentID string) (*CheckResult, error)
	ClaimCheckResult(ctx context.Context, checkID, agentID string, now, cutoff time.Time) (bool, error)
	ReleaseCheckResult(ctx context.Context, checkID, agentID string) error
	RecordCheckRun(ctx context.Context, checkID, agentID string, status CheckStatus, output string, retcode int, ranAt time.Time) error

	// Settings
	GetSettings(ctx context.Context) (*Settings, error)
}
