package store

import (
	"time"
)

// Platform identifies the operating system an agent runs on.
type Platform string

const (
	PlatformWindows Platform = "windows"
	PlatformLinux   Platform = "linux"
	PlatformDarwin  Platform = "darwin"
)

// MonitoringType selects which policy slot (server or workstation) applies
// to an agent when walking the inheritance chain.
type MonitoringType string

const (
	MonitoringServer      MonitoringType = "server"
	MonitoringWorkstation MonitoringType = "workstation"
)

// AgentStatus is the derived health state of an agent. The stored value is a
// cache; the classifier recomputes it from last_seen on every monitor tick.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
	AgentOverdue AgentStatus = "overdue"
)

// TaskType is the recurrence pattern of an automated task.
type TaskType string

const (
	TaskManual       TaskType = "manual"
	TaskRunOnce      TaskType = "runonce"
	TaskDaily        TaskType = "daily"
	TaskWeekly       TaskType = "weekly"
	TaskMonthly      TaskType = "monthly"
	TaskMonthlyDOW   TaskType = "monthlydayofweek"
	TaskCheckFailure TaskType = "checkfailure"
	TaskOnboarding   TaskType = "onboarding"
)

// RunStatus is the execution lifecycle of a (task, agent) pair.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailing   RunStatus = "failing"
)

// SyncStatus tracks whether an agent has acknowledged the current server-side
// definition of a task.
type SyncStatus string

const (
	SyncInitial         SyncStatus = "initial"
	SyncNotSynced       SyncStatus = "notsynced"
	SyncSynced          SyncStatus = "synced"
	SyncPendingDeletion SyncStatus = "pendingdeletion"
)

// CheckType identifies what a check measures on the agent.
type CheckType string

const (
	CheckDiskSpace CheckType = "diskspace"
	CheckPing      CheckType = "ping"
	CheckCPULoad   CheckType = "cpuload"
	CheckMemory    CheckType = "memory"
	CheckService   CheckType = "winsvc"
	CheckScript    CheckType = "script"
	CheckEventLog  CheckType = "eventlog"
)

// CheckStatus is the pass/fail state of a (check, agent) pair.
type CheckStatus string

const (
	CheckPassing CheckStatus = "passing"
	CheckFailing CheckStatus = "failing"
	CheckPending CheckStatus = "pending"
)

// Agent is one managed endpoint. Status is derived from LastSeen and the two
// thresholds; the column only caches the last classification.
type Agent struct {
	ID             string         `json:"agent_id" db:"agent_id"`
	Hostname       string         `json:"hostname" db:"hostname"`
	Platform       Platform       `json:"platform" db:"platform"`
	MonitoringType MonitoringType `json:"monitoring_type" db:"monitoring_type"`
	SiteID         string         `json:"site_id" db:"site_id"`
	Timezone       string         `json:"timezone" db:"timezone"` // IANA name
	LastSeen       time.Time      `json:"last_seen" db:"last_seen"`
	OfflineTime    int            `json:"offline_time" db:"offline_time"` // minutes
	OverdueTime    int            `json:"overdue_time" db:"overdue_time"` // minutes
	PolicyID       string         `json:"policy_id" db:"policy_id"`       // "" = none
	BlockInherit   bool           `json:"block_policy_inheritance" db:"block_policy_inheritance"`
	Status         AgentStatus    `json:"status" db:"status"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// Site groups agents under a client. Server and workstation policies are
// tracked separately so the resolver can pick the slot matching the agent.
type Site struct {
	ID                  string `json:"site_id" db:"site_id"`
	ClientID            string `json:"client_id" db:"client_id"`
	Name                string `json:"name" db:"name"`
	ServerPolicyID      string `json:"server_policy_id" db:"server_policy_id"`
	WorkstationPolicyID string `json:"workstation_policy_id" db:"workstation_policy_id"`
	BlockInherit        bool   `json:"block_policy_inheritance" db:"block_policy_inheritance"`
}

// Client is the top organizational level.
type Client struct {
	ID                  string `json:"client_id" db:"client_id"`
	Name                string `json:"name" db:"name"`
	ServerPolicyID      string `json:"server_policy_id" db:"server_policy_id"`
	WorkstationPolicyID string `json:"workstation_policy_id" db:"workstation_policy_id"`
	BlockInherit        bool   `json:"block_policy_inheritance" db:"block_policy_inheritance"`
}

// Policy is a reusable bundle of checks/tasks/patch rules. Exclusion lists
// remove the policy's contribution for specific agents/sites/clients without
// touching agent-direct items.
type Policy struct {
	ID                string    `json:"policy_id" db:"policy_id"`
	Name              string    `json:"name" db:"name"`
	Enforced          bool      `json:"enforced" db:"enforced"`
	Active            bool      `json:"active" db:"active"`
	ExcludedAgentIDs  []string  `json:"excluded_agent_ids" db:"excluded_agent_ids"`
	ExcludedSiteIDs   []string  `json:"excluded_site_ids" db:"excluded_site_ids"`
	ExcludedClientIDs []string  `json:"excluded_client_ids" db:"excluded_client_ids"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// ExcludesAgent reports whether the policy's contribution is switched off for
// this agent via any of its exclusion lists.
func (p *Policy) ExcludesAgent(a *Agent, siteID, clientID string) bool {
	for _, id := range p.ExcludedAgentIDs {
		if id == a.ID {
			return true
		}
	}
	for _, id := range p.ExcludedSiteIDs {
		if id == siteID {
			return true
		}
	}
	for _, id := range p.ExcludedClientIDs {
		if id == clientID {
			return true
		}
	}
	return false
}

// PatchPolicy is the patch-cycle configuration attached to a policy.
type PatchPolicy struct {
	ID               string `json:"patch_policy_id" db:"patch_policy_id"`
	PolicyID         string `json:"policy_id" db:"policy_id"`
	InstallCritical  bool   `json:"install_critical" db:"install_critical"`
	InstallImportant bool   `json:"install_important" db:"install_important"`
	RunTime          string `json:"run_time" db:"run_time"` // "HH:MM"
	WeekdayMask      uint32 `json:"weekday_mask" db:"weekday_mask"`
	RebootAfter      bool   `json:"reboot_after" db:"reboot_after"`
}

// TaskAction is one step executed by the agent when a task runs.
type TaskAction struct {
	Command        string `json:"command"`
	ScriptID       string `json:"script_id,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Task is one schedulable unit of work. Exactly one of AgentID / PolicyID is
// set: policy tasks are templates instantiated per matched agent at dispatch
// time via lazily created TaskResult rows.
type Task struct {
	ID       string   `json:"task_id" db:"task_id"`
	Name     string   `json:"name" db:"name"`
	AgentID  string   `json:"agent_id" db:"agent_id"`
	PolicyID string   `json:"policy_id" db:"policy_id"`
	Enabled  bool     `json:"enabled" db:"enabled"`
	Type     TaskType `json:"task_type" db:"task_type"`

	// RunTime is the local time-of-day "HH:MM" for calendar types. RunAt is
	// the full local datetime for runonce. Both are interpreted in the
	// agent's timezone, never the server's.
	RunTime string     `json:"run_time" db:"run_time"`
	RunAt   *time.Time `json:"run_at" db:"run_at"`

	WeekdayMask     uint32 `json:"weekday_mask" db:"weekday_mask"`             // bit 0 = Sunday
	MonthMask       uint32 `json:"month_mask" db:"month_mask"`                 // bit 0 = January
	MonthDayMask    uint32 `json:"month_day_mask" db:"month_day_mask"`         // bit n = day n+1; high bit = last day
	WeekOfMonthMask uint32 `json:"week_of_month_mask" db:"week_of_month_mask"` // bits 0..3 = weeks 1..4, bit 4 = last
	DailyInterval   int    `json:"daily_interval" db:"daily_interval"`         // every N days, honored agent-side
	WeeklyInterval  int    `json:"weekly_interval" db:"weekly_interval"`       // every N weeks, honored agent-side

	Actions        []TaskAction `json:"actions" db:"actions"`
	TimeoutSeconds int          `json:"timeout_seconds" db:"timeout_seconds"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`

	// Overridden is computed during policy resolution, never stored.
	Overridden bool `json:"overridden,omitempty" db:"-"`
}

// DedupKey is the semantic identity used for shadowing between policy levels
// and agent-direct tasks.
func (t *Task) DedupKey() string {
	return t.Name
}

// TaskResult tracks execution state for one (task, agent) pair. LockedAt is
// the row-level dispatch lock: a dispatch is in flight while LockedAt is
// within the claim window, and the row self-heals once the window elapses.
type TaskResult struct {
	TaskID     string     `json:"task_id" db:"task_id"`
	AgentID    string     `json:"agent_id" db:"agent_id"`
	RunStatus  RunStatus  `json:"run_status" db:"run_status"`
	SyncStatus SyncStatus `json:"sync_status" db:"sync_status"`
	LastRunAt  *time.Time `json:"last_run_at" db:"last_run_at"`
	LockedAt   *time.Time `json:"locked_at" db:"locked_at"`
	Stdout     string     `json:"stdout" db:"stdout"`
	Stderr     string     `json:"stderr" db:"stderr"`
	RetCode    int        `json:"retcode" db:"retcode"`
}

// Check is evaluated for pass/fail rather than scheduled execution. Same
// ownership invariant as Task: agent XOR policy.
type Check struct {
	ID              string    `json:"check_id" db:"check_id"`
	AgentID         string    `json:"agent_id" db:"agent_id"`
	PolicyID        string    `json:"policy_id" db:"policy_id"`
	Type            CheckType `json:"check_type" db:"check_type"`
	Target          string    `json:"target" db:"target"` // disk, ip, service name, script id, log source
	WarningThresh   int       `json:"warning_threshold" db:"warning_threshold"`
	ErrorThresh     int       `json:"error_threshold" db:"error_threshold"`
	IntervalSeconds int       `json:"interval_seconds" db:"interval_seconds"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`

	// Overridden is computed during policy resolution, never stored.
	Overridden bool `json:"overridden,omitempty" db:"-"`
}

// DedupKey is the semantic identity of a check (two "ping 8.8.8.8" checks
// collide regardless of which level contributed them).
func (c *Check) DedupKey() string {
	return string(c.Type) + ":" + c.Target
}

// CheckResult mirrors TaskResult for checks.
type CheckResult struct {
	CheckID   string      `json:"check_id" db:"check_id"`
	AgentID   string      `json:"agent_id" db:"agent_id"`
	Status    CheckStatus `json:"status" db:"status"`
	LastRunAt *time.Time  `json:"last_run_at" db:"last_run_at"`
	LockedAt  *time.Time  `json:"locked_at" db:"locked_at"`
	Output    string      `json:"output" db:"output"`
	RetCode   int         `json:"retcode" db:"retcode"`
}

// Settings is the single server-wide settings row. It is loaded per
// resolution and passed in explicitly; nothing reads it through a global.
type Settings struct {
	DefaultServerPolicyID      string `json:"default_server_policy_id" db:"default_server_policy_id"`
	DefaultWorkstationPolicyID string `json:"default_workstation_policy_id" db:"default_workstation_policy_id"`
	DefaultOfflineTime         int    `json:"default_offline_time" db:"default_offline_time"` // minutes
	DefaultOverdueTime         int    `json:"default_overdue_time" db:"default_overdue_time"` // minutes
}
