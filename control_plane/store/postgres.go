package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend. Postgres is the
// system of record; redis only carries coordination locks and the bus.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Agents ---

const agentColumns = `agent_id, hostname, platform, monitoring_type, site_id, timezone,
	last_seen, offline_time, overdue_time, policy_id, block_policy_inheritance, status,
	created_at, updated_at`

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	err := row.Scan(
		&a.ID, &a.Hostname, &a.Platform, &a.MonitoringType, &a.SiteID, &a.Timezone,
		&a.LastSeen, &a.OfflineTime, &a.OverdueTime, &a.PolicyID, &a.BlockInherit, &a.Status,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE agent_id = $1`
	return scanAgent(s.pool.QueryRow(ctx, query, agentID))
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) UpdateAgentLastSeen(ctx context.Context, agentID string, t time.Time) error {
	query := `UPDATE agents SET last_seen = $2, updated_at = NOW() WHERE agent_id = $1`
	tag, err := s.pool.Exec(ctx, query, agentID, t)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent not found: %s", agentID)
	}
	return nil
}

func (s *PostgresStore) SetAgentStatus(ctx context.Context, agentID string, status AgentStatus) error {
	query := `UPDATE agents SET status = $2 WHERE agent_id = $1`
	_, err := s.pool.Exec(ctx, query, agentID, status)
	return err
}

func (s *PostgresStore) UpdateThresholdsForClient(ctx context.Context, clientID string, offlineTime, overdueTime int) (int64, error) {
	// COALESCE-style conditional set: zero leaves the column alone.
	query := `
		UPDATE agents SET
			offline_time = CASE WHEN $2 > 0 THEN $2 ELSE offline_time END,
			overdue_time = CASE WHEN $3 > 0 THEN $3 ELSE overdue_time END,
			updated_at = NOW()
		WHERE site_id IN (SELECT site_id FROM sites WHERE client_id = $1)
	`
	tag, err := s.pool.Exec(ctx, query, clientID, offlineTime, overdueTime)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Org hierarchy ---

func (s *PostgresStore) GetSite(ctx context.Context, siteID string) (*Site, error) {
	query := `
		SELECT site_id, client_id, name, server_policy_id, workstation_policy_id, block_policy_inheritance
		FROM sites WHERE site_id = $1
	`
	var site Site
	err := s.pool.QueryRow(ctx, query, siteID).Scan(
		&site.ID, &site.ClientID, &site.Name, &site.ServerPolicyID, &site.WorkstationPolicyID, &site.BlockInherit,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &site, nil
}

func (s *PostgresStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	query := `
		SELECT client_id, name, server_policy_id, workstation_policy_id, block_policy_inheritance
		FROM clients WHERE client_id = $1
	`
	var c Client
	err := s.pool.QueryRow(ctx, query, clientID).Scan(
		&c.ID, &c.Name, &c.ServerPolicyID, &c.WorkstationPolicyID, &c.BlockInherit,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// --- Policies ---

func (s *PostgresStore) GetPolicy(ctx context.Context, policyID string) (*Policy, error) {
	query := `
		SELECT policy_id, name, enforced, active, excluded_agent_ids, excluded_site_ids,
			excluded_client_ids, created_at, updated_at
		FROM policies WHERE policy_id = $1
	`
	var p Policy
	err := s.pool.QueryRow(ctx, query, policyID).Scan(
		&p.ID, &p.Name, &p.Enforced, &p.Active, &p.ExcludedAgentIDs, &p.ExcludedSiteIDs,
		&p.ExcludedClientIDs, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetPatchPolicy(ctx context.Context, policyID string) (*PatchPolicy, error) {
	query := `
		SELECT patch_policy_id, policy_id, install_critical, install_important, run_time, weekday_mask, reboot_after
		FROM patch_policies WHERE policy_id = $1
	`
	var pp PatchPolicy
	err := s.pool.QueryRow(ctx, query, policyID).Scan(
		&pp.ID, &pp.PolicyID, &pp.InstallCritical, &pp.InstallImportant, &pp.RunTime, &pp.WeekdayMask, &pp.RebootAfter,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pp, nil
}

// --- Checks and tasks ---

const checkColumns = `check_id, agent_id, policy_id, check_type, target,
	warning_threshold, error_threshold, interval_seconds, created_at, updated_at`

func scanCheck(row pgx.Row) (*Check, error) {
	var c Check
	err := row.Scan(
		&c.ID, &c.AgentID, &c.PolicyID, &c.Type, &c.Target,
		&c.WarningThresh, &c.ErrorThresh, &c.IntervalSeconds, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) listChecks(ctx context.Context, where string, arg string) ([]*Check, error) {
	query := `SELECT ` + checkColumns + ` FROM checks WHERE ` + where + ` = $1`
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checks []*Check
	for rows.Next() {
		c, err := scanCheck(rows)
		if err != nil {
			return nil, err
		}
		checks = append(checks, c)
	}
	return checks, rows.Err()
}

func (s *PostgresStore) ListAgentChecks(ctx context.Context, agentID string) ([]*Check, error) {
	return s.listChecks(ctx, "agent_id", agentID)
}

func (s *PostgresStore) ListPolicyChecks(ctx context.Context, policyID string) ([]*Check, error) {
	return s.listChecks(ctx, "policy_id", policyID)
}

const taskColumns = `task_id, name, agent_id, policy_id, enabled, task_type, run_time, run_at,
	weekday_mask, month_mask, month_day_mask, week_of_month_mask, daily_interval, weekly_interval,
	actions, timeout_seconds, created_at, updated_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var actions []byte
	err := row.Scan(
		&t.ID, &t.Name, &t.AgentID, &t.PolicyID, &t.Enabled, &t.Type, &t.RunTime, &t.RunAt,
		&t.WeekdayMask, &t.MonthMask, &t.MonthDayMask, &t.WeekOfMonthMask, &t.DailyInterval, &t.WeeklyInterval,
		&actions, &t.TimeoutSeconds, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &t.Actions); err != nil {
			return nil, fmt.Errorf("decode task actions: %w", err)
		}
	}
	return &t, nil
}

func (s *PostgresStore) listTasks(ctx context.Context, where string, arg string) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + where + ` = $1`
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) ListAgentTasks(ctx context.Context, agentID string) ([]*Task, error) {
	return s.listTasks(ctx, "agent_id", agentID)
}

func (s *PostgresStore) ListPolicyTasks(ctx context.Context, policyID string) ([]*Task, error) {
	return s.listTasks(ctx, "policy_id", policyID)
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE task_id = $1`
	return scanTask(s.pool.QueryRow(ctx, query, taskID))
}

// --- Task results ---

const taskResultColumns = `task_id, agent_id, run_status, sync_status, last_run_at, locked_at, stdout, stderr, retcode`

func scanTaskResult(row pgx.Row) (*TaskResult, error) {
	var r TaskResult
	err := row.Scan(
		&r.TaskID, &r.AgentID, &r.RunStatus, &r.SyncStatus, &r.LastRunAt, &r.LockedAt,
		&r.Stdout, &r.Stderr, &r.RetCode,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) GetTaskResult(ctx context.Context, taskID, agentID string) (*TaskResult, error) {
	query := `SELECT ` + taskResultColumns + ` FROM task_results WHERE task_id = $1 AND agent_id = $2`
	return scanTaskResult(s.pool.QueryRow(ctx, query, taskID, agentID))
}

func (s *PostgresStore) EnsureTaskResult(ctx context.Context, taskID, agentID string) (*TaskResult, error) {
	query := `
		INSERT INTO task_results (task_id, agent_id, run_status, sync_status)
		VALUES ($1, $2, 'pending', 'initial')
		ON CONFLICT (task_id, agent_id) DO NOTHING
	`
	if _, err := s.pool.Exec(ctx, query, taskID, agentID); err != nil {
		return nil, err
	}
	return s.GetTaskResult(ctx, taskID, agentID)
}

// ClaimTaskResult is the dispatch-claim primitive: the WHERE clause on
// locked_at is what prevents two concurrent scheduler instances from both
// claiming the row. The loser observes zero affected rows.
func (s *PostgresStore) ClaimTaskResult(ctx context.Context, taskID, agentID string, now, cutoff time.Time) (bool, error) {
	query := `
		UPDATE task_results SET locked_at = $3, run_status = 'running'
		WHERE task_id = $1 AND agent_id = $2
		  AND (locked_at IS NULL OR locked_at < $4)
	`
	tag, err := s.pool.Exec(ctx, query, taskID, agentID, now, cutoff)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseTaskResult(ctx context.Context, taskID, agentID string) error {
	query := `
		UPDATE task_results SET locked_at = NULL, run_status = 'pending'
		WHERE task_id = $1 AND agent_id = $2
	`
	_, err := s.pool.Exec(ctx, query, taskID, agentID)
	return err
}

func (s *PostgresStore) RecordTaskRun(ctx context.Context, taskID, agentID string, status RunStatus, stdout, stderr string, retcode int, ranAt time.Time) error {
	query := `
		UPDATE task_results
		SET run_status = $3, stdout = $4, stderr = $5, retcode = $6, last_run_at = $7, locked_at = NULL
		WHERE task_id = $1 AND agent_id = $2
	`
	_, err := s.pool.Exec(ctx, query, taskID, agentID, status, stdout, stderr, retcode, ranAt)
	return err
}

func (s *PostgresStore) SetTaskResultSync(ctx context.Context, taskID, agentID string, status SyncStatus) error {
	query := `UPDATE task_results SET sync_status = $3 WHERE task_id = $1 AND agent_id = $2`
	_, err := s.pool.Exec(ctx, query, taskID, agentID, status)
	return err
}

func (s *PostgresStore) MarkTaskResultsNotSynced(ctx context.Context, taskID string) (int64, error) {
	query := `
		UPDATE task_results SET sync_status = 'notsynced'
		WHERE task_id = $1 AND sync_status <> 'pendingdeletion'
	`
	tag, err := s.pool.Exec(ctx, query, taskID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ListRunningTaskResultsBefore(ctx context.Context, cutoff time.Time) ([]*TaskResult, error) {
	query := `
		SELECT ` + taskResultColumns + ` FROM task_results
		WHERE run_status = 'running' AND locked_at IS NOT NULL AND locked_at < $1
	`
	rows, err := s.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*TaskResult
	for rows.Next() {
		r, err := scanTaskResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Check results ---

func (s *PostgresStore) EnsureCheckResult(ctx context.Context, checkID, agentID string) (*CheckResult, error) {
	query := `
		INSERT INTO check_results (check_id, agent_id, status)
		VALUES ($1, $2, 'pending')
		ON CONFLICT (check_id, agent_id) DO NOTHING
	`
	if _, err := s.pool.Exec(ctx, query, checkID, agentID); err != nil {
		return nil, err
	}
	sel := `
		SELECT check_id, agent_id, status, last_run_at, locked_at, output, retcode
		FROM check_results WHERE check_id = $1 AND agent_id = $2
	`
	var r CheckResult
	err := s.pool.QueryRow(ctx, sel, checkID, agentID).Scan(
		&r.CheckID, &r.AgentID, &r.Status, &r.LastRunAt, &r.LockedAt, &r.Output, &r.RetCode,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) ClaimCheckResult(ctx context.Context, checkID, agentID string, now, cutoff time.Time) (bool, error) {
	query := `
		UPDATE check_results SET locked_at = $3
		WHERE check_id = $1 AND agent_id = $2
		  AND (locked_at IS NULL OR locked_at < $4)
	`
	tag, err := s.pool.Exec(ctx, query, checkID, agentID, now, cutoff)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseCheckResult(ctx context.Context, checkID, agentID string) error {
	query := `UPDATE check_results SET locked_at = NULL WHERE check_id = $1 AND agent_id = $2`
	_, err := s.pool.Exec(ctx, query, checkID, agentID)
	return err
}

func (s *PostgresStore) RecordCheckRun(ctx context.Context, checkID, agentID string, status CheckStatus, output string, retcode int, ranAt time.Time) error {
	query := `
		UPDATE check_results
		SET status = $3, output = $4, retcode = $5, last_run_at = $6, locked_at = NULL
		WHERE check_id = $1 AND agent_id = $2
	`
	_, err := s.pool.Exec(ctx, query, checkID, agentID, status, output, retcode, ranAt)
	return err
}

// --- Settings ---

func (s *PostgresStore) GetSettings(ctx context.Context) (*Settings, error) {
	query := `
		SELECT default_server_policy_id, default_workstation_policy_id,
			default_offline_time, default_overdue_time
		FROM core_settings LIMIT 1
	`
	var st Settings
	err := s.pool.QueryRow(ctx, query).Scan(
		&st.DefaultServerPolicyID, &st.DefaultWorkstationPolicyID,
		&st.DefaultOfflineTime, &st.DefaultOverdueTime,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return &Settings{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}
