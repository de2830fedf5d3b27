package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and single-node dev mode.
type MemoryStore struct {
	mu            sync.RWMutex
	agents        map[string]*Agent
	sites         map[string]*Site
	clients       map[string]*Client
	policies      map[string]*Policy
	patchPolicies map[string]*PatchPolicy // keyed by owning policy id
	checks        map[string]*Check
	tasks         map[string]*Task
	taskResults   map[string]*TaskResult // keyed taskID|agentID
	checkResults  map[string]*CheckResult
	settings      Settings
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:        make(map[string]*Agent),
		sites:         make(map[string]*Site),
		clients:       make(map[string]*Client),
		policies:      make(map[string]*Policy),
		patchPolicies: make(map[string]*PatchPolicy),
		checks:        make(map[string]*Check),
		tasks:         make(map[string]*Task),
		taskResults:   make(map[string]*TaskResult),
		checkResults:  make(map[string]*CheckResult),
	}
}

func resultKey(itemID, agentID string) string {
	return itemID + "|" + agentID
}

// --- Seeding helpers (tests) ---

func (s *MemoryStore) PutAgent(a *Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.agents[a.ID] = &cp
}

func (s *MemoryStore) PutSite(site *Site) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *site
	s.sites[site.ID] = &cp
}

func (s *MemoryStore) PutClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.clients[c.ID] = &cp
}

func (s *MemoryStore) PutPolicy(p *Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.policies[p.ID] = &cp
}

func (s *MemoryStore) DeletePolicy(policyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, policyID)
}

func (s *MemoryStore) PutPatchPolicy(pp *PatchPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pp
	s.patchPolicies[pp.PolicyID] = &cp
}

func (s *MemoryStore) PutCheck(c *Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.checks[c.ID] = &cp
}

func (s *MemoryStore) PutTask(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
}

func (s *MemoryStore) PutSettings(st Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = st
}

// --- Agents ---

func (s *MemoryStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) UpdateAgentLastSeen(ctx context.Context, agentID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[agentID]; ok {
		a.LastSeen = t
		a.UpdatedAt = t
	}
	return nil
}

func (s *MemoryStore) SetAgentStatus(ctx context.Context, agentID string, status AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[agentID]; ok {
		a.Status = status
	}
	return nil
}

func (s *MemoryStore) UpdateThresholdsForClient(ctx context.Context, clientID string, offlineTime, overdueTime int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, a := range s.agents {
		site, ok := s.sites[a.SiteID]
		if !ok || site.ClientID != clientID {
			continue
		}
		if offlineTime > 0 {
			a.OfflineTime = offlineTime
		}
		if overdueTime > 0 {
			a.OverdueTime = overdueTime
		}
		n++
	}
	return n, nil
}

// --- Org hierarchy ---

func (s *MemoryStore) GetSite(ctx context.Context, siteID string) (*Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[siteID]
	if !ok {
		return nil, nil
	}
	cp := *site
	return &cp, nil
}

func (s *MemoryStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clientID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// --- Policies ---

func (s *MemoryStore) GetPolicy(ctx context.Context, policyID string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[policyID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetPatchPolicy(ctx context.Context, policyID string) (*PatchPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pp, ok := s.patchPolicies[policyID]
	if !ok {
		return nil, nil
	}
	cp := *pp
	return &cp, nil
}

// --- Checks and tasks ---

func (s *MemoryStore) ListAgentChecks(ctx context.Context, agentID string) ([]*Check, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Check
	for _, c := range s.checks {
		if c.AgentID == agentID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListPolicyChecks(ctx context.Context, policyID string) ([]*Check, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Check
	for _, c := range s.checks {
		if c.PolicyID == policyID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListAgentTasks(ctx context.Context, agentID string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.AgentID == agentID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListPolicyTasks(ctx context.Context, policyID string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.PolicyID == policyID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

// --- Task results ---

func (s *MemoryStore) GetTaskResult(ctx context.Context, taskID, agentID string) (*TaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.taskResults[resultKey(taskID, agentID)]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) EnsureTaskResult(ctx context.Context, taskID, agentID string) (*TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := resultKey(taskID, agentID)
	r, ok := s.taskResults[key]
	if !ok {
		r = &TaskResult{
			TaskID:     taskID,
			AgentID:    agentID,
			RunStatus:  RunPending,
			SyncStatus: SyncInitial,
		}
		s.taskResults[key] = r
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ClaimTaskResult(ctx context.Context, taskID, agentID string, now, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.taskResults[resultKey(taskID, agentID)]
	if !ok {
		return false, nil
	}
	if r.LockedAt != nil && !r.LockedAt.Before(cutoff) {
		return false, nil
	}
	t := now
	r.LockedAt = &t
	r.RunStatus = RunRunning
	return true, nil
}

func (s *MemoryStore) ReleaseTaskResult(ctx context.Context, taskID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.taskResults[resultKey(taskID, agentID)]; ok {
		r.LockedAt = nil
		r.RunStatus = RunPending
	}
	return nil
}

func (s *MemoryStore) RecordTaskRun(ctx context.Context, taskID, agentID string, status RunStatus, stdout, stderr string, retcode int, ranAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.taskResults[resultKey(taskID, agentID)]
	if !ok {
		return nil
	}
	r.RunStatus = status
	r.Stdout = stdout
	r.Stderr = stderr
	r.RetCode = retcode
	t := ranAt
	r.LastRunAt = &t
	r.LockedAt = nil
	return nil
}

func (s *MemoryStore) SetTaskResultSync(ctx context.Context, taskID, agentID string, status SyncStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.taskResults[resultKey(taskID, agentID)]; ok {
		r.SyncStatus = status
	}
	return nil
}

func (s *MemoryStore) MarkTaskResultsNotSynced(ctx context.Context, taskID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.taskResults {
		if r.TaskID == taskID {
			r.SyncStatus = SyncNotSynced
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListRunningTaskResultsBefore(ctx context.Context, cutoff time.Time) ([]*TaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TaskResult
	for _, r := range s.taskResults {
		if r.RunStatus == RunRunning && r.LockedAt != nil && r.LockedAt.Before(cutoff) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Check results ---

func (s *MemoryStore) EnsureCheckResult(ctx context.Context, checkID, agentID string) (*CheckResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := resultKey(checkID, agentID)
	r, ok := s.checkResults[key]
	if !ok {
		r = &CheckResult{
			CheckID: checkID,
			AgentID: agentID,
			Status:  CheckPending,
		}
		s.checkResults[key] = r
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ClaimCheckResult(ctx context.Context, checkID, agentID string, now, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.checkResults[resultKey(checkID, agentID)]
	if !ok {
		return false, nil
	}
	if r.LockedAt != nil && !r.LockedAt.Before(cutoff) {
		return false, nil
	}
	t := now
	r.LockedAt = &t
	return true, nil
}

func (s *MemoryStore) ReleaseCheckResult(ctx context.Context, checkID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.checkResults[resultKey(checkID, agentID)]; ok {
		r.LockedAt = nil
	}
	return nil
}

func (s *MemoryStore) RecordCheckRun(ctx context.Context, checkID, agentID string, status CheckStatus, output string, retcode int, ranAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.checkResults[resultKey(checkID, agentID)]
	if !ok {
		return nil
	}
	r.Status = status
	r.Output = output
	r.RetCode = retcode
	t := ranAt
	r.LastRunAt = &t
	r.LockedAt = nil
	return nil
}

// --- Settings ---

func (s *MemoryStore) GetSettings(ctx context.Context) (*Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := s.settings
	return &cp, nil
}
