// Package policy resolves the effective set of checks, tasks and patch rules
// for an agent by walking the inheritance chain: agent-direct items, then the
// agent's assigned policy, the site's policy, the client's policy, and the
// global default from settings. Block-inheritance flags short-circuit the
// walk at their level; exclusion lists drop a policy's contribution without
// touching agent-direct items.
package policy

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetward/fleetward/control_plane/store"
)

// Resolver walks the policy chain against the store. Settings are passed per
// call rather than read through any process-wide state.
type Resolver struct {
	store store.Store
	log   zerolog.Logger
}

// NewResolver returns a Resolver over the given store.
func NewResolver(s store.Store, log zerolog.Logger) *Resolver {
	return &Resolver{store: s, log: log.With().Str("component", "policy").Logger()}
}

// level pairs a policy with its position in the chain; lower index wins.
type level struct {
	policy *store.Policy
}

// chain returns the applicable policies for the agent in priority order
// (agent policy first). Dangling references and inactive policies are
// skipped: referential integrity is re-checked at read time, never assumed.
func (r *Resolver) chain(ctx context.Context, agent *store.Agent, settings *store.Settings) ([]level, error) {
	if agent.BlockInherit {
		return nil, nil
	}

	site, err := r.store.GetSite(ctx, agent.SiteID)
	if err != nil {
		return nil, err
	}
	var client *store.Client
	if site != nil {
		client, err = r.store.GetClient(ctx, site.ClientID)
		if err != nil {
			return nil, err
		}
	}

	siteID, clientID := agent.SiteID, ""
	if client != nil {
		clientID = client.ID
	}

	var out []level
	add := func(policyID string) error {
		if policyID == "" {
			return nil
		}
		p, err := r.store.GetPolicy(ctx, policyID)
		if err != nil {
			return err
		}
		if p == nil {
			// Deleted policy still referenced: treat as no policy here.
			r.log.Debug().Str("policy_id", policyID).Str("agent_id", agent.ID).
				Msg("dangling policy reference skipped")
			return nil
		}
		if !p.Active || p.ExcludesAgent(agent, siteID, clientID) {
			return nil
		}
		out = append(out, level{policy: p})
		return nil
	}

	if err := add(agent.PolicyID); err != nil {
		return nil, err
	}

	if site != nil {
		if site.BlockInherit {
			return out, nil
		}
		if err := add(r.slot(site.ServerPolicyID, site.WorkstationPolicyID, agent)); err != nil {
			return nil, err
		}
	}

	if client != nil {
		if client.BlockInherit {
			return out, nil
		}
		if err := add(r.slot(client.ServerPolicyID, client.WorkstationPolicyID, agent)); err != nil {
			return nil, err
		}
	}

	// Default policy applies only when no level contributed one.
	if len(out) == 0 && settings != nil {
		if err := add(r.slot(settings.DefaultServerPolicyID, settings.DefaultWorkstationPolicyID, agent)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Resolver) slot(serverID, workstationID string, agent *store.Agent) string {
	if agent.MonitoringType == store.MonitoringServer {
		return serverID
	}
	return workstationID
}

// ResolveChecks returns the agent's checks. With excludeOverridden, only the
// effective (non-shadowed) set used for evaluation/dispatch is returned;
// without it, shadowed items are included with Overridden set, for
// audit/display.
func (r *Resolver) ResolveChecks(ctx context.Context, agent *store.Agent, excludeOverridden bool) ([]*store.Check, error) {
	settings, err := r.store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	direct, err := r.store.ListAgentChecks(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	chain, err := r.chain(ctx, agent, settings)
	if err != nil {
		return nil, err
	}

	directKeys := make(map[string]*store.Check, len(direct))
	for _, c := range direct {
		directKeys[c.DedupKey()] = c
	}

	var fromPolicies []*store.Check
	seen := make(map[string]struct{})
	for _, lvl := range chain {
		checks, err := r.store.ListPolicyChecks(ctx, lvl.policy.ID)
		if err != nil {
			return nil, err
		}
		for _, c := range checks {
			key := c.DedupKey()
			if _, dup := seen[key]; dup {
				// A higher-priority level already contributed this key.
				c.Overridden = true
			} else {
				seen[key] = struct{}{}
				if d, ok := directKeys[key]; ok {
					// Enforced policy items shadow agent-direct ones; otherwise
					// the agent-direct item wins and the policy item is shadowed.
					if lvl.policy.Enforced {
						d.Overridden = true
					} else {
						c.Overridden = true
					}
				}
			}
			fromPolicies = append(fromPolicies, c)
		}
	}

	out := make([]*store.Check, 0, len(direct)+len(fromPolicies))
	for _, c := range direct {
		if excludeOverridden && c.Overridden {
			continue
		}
		out = append(out, c)
	}
	for _, c := range fromPolicies {
		if excludeOverridden && c.Overridden {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// ResolveTasks mirrors ResolveChecks for automated tasks.
func (r *Resolver) ResolveTasks(ctx context.Context, agent *store.Agent, excludeOverridden bool) ([]*store.Task, error) {
	settings, err := r.store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	direct, err := r.store.ListAgentTasks(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	chain, err := r.chain(ctx, agent, settings)
	if err != nil {
		return nil, err
	}

	directKeys := make(map[string]*store.Task, len(direct))
	for _, t := range direct {
		directKeys[t.DedupKey()] = t
	}

	var fromPolicies []*store.Task
	seen := make(map[string]struct{})
	for _, lvl := range chain {
		tasks, err := r.store.ListPolicyTasks(ctx, lvl.policy.ID)
		if err != nil {
			return nil, err
		}
		for _, task := range tasks {
			key := task.DedupKey()
			if _, dup := seen[key]; dup {
				task.Overridden = true
			} else {
				seen[key] = struct{}{}
				if d, ok := directKeys[key]; ok {
					if lvl.policy.Enforced {
						d.Overridden = true
					} else {
						task.Overridden = true
					}
				}
			}
			fromPolicies = append(fromPolicies, task)
		}
	}

	out := make([]*store.Task, 0, len(direct)+len(fromPolicies))
	for _, t := range direct {
		if excludeOverridden && t.Overridden {
			continue
		}
		out = append(out, t)
	}
	for _, t := range fromPolicies {
		if excludeOverridden && t.Overridden {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// ResolvePatchPolicy returns the first patch policy found walking the chain,
// or nil when no level carries one.
func (r *Resolver) ResolvePatchPolicy(ctx context.Context, agent *store.Agent) (*store.PatchPolicy, error) {
	settings, err := r.store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	chain, err := r.chain(ctx, agent, settings)
	if err != nil {
		return nil, err
	}
	for _, lvl := range chain {
		pp, err := r.store.GetPatchPolicy(ctx, lvl.policy.ID)
		if err != nil {
			return nil, err
		}
		if pp != nil {
			return pp, nil
		}
	}
	return nil, nil
}

// AgentLocation loads the agent's IANA timezone, falling back to UTC when
// the name is missing or unknown.
func AgentLocation(agent *store.Agent) *time.Location {
	if agent.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(agent.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
