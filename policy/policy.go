// Package policy composes the tool and callee visibility rules of global
// server configuration, per-agent scopes and the process-wide allowlist.
//
// Tool visibility is the logical AND of four filters: global exclude, agent
// exclude, global include (when non-empty) and agent include (when
// non-empty). An agent can only narrow what a server exposes, never widen
// it. Without an active agent no server tool is visible at all.
package policy

import (
	"sort"

	"github.com/hupe1980/agentrelay/catalog"
	"github.com/hupe1980/agentrelay/core"
)

// ResolveVisibleTools filters advertised by the global and agent policies.
// Input order is preserved and inputs are never modified.
func ResolveVisibleTools(advertised []core.ToolDescriptor, global core.GlobalServerPolicy, agent core.ServerScopePolicy) []core.ToolDescriptor {
	visible := make([]core.ToolDescriptor, 0, len(advertised))
	for _, t := range advertised {
		if global.Exclude.Has(t.Name) || agent.ExcludeTools.Has(t.Name) {
			continue
		}
		if len(global.Include) > 0 && !global.Include.Has(t.Name) {
			continue
		}
		if len(agent.IncludeTools) > 0 && !agent.IncludeTools.Has(t.Name) {
			continue
		}
		visible = append(visible, t)
	}
	return visible
}

// Resolver applies the global server policies to agent scopes. It holds no
// mutable state.
type Resolver struct {
	globals map[string]core.GlobalServerPolicy
}

// NewResolver creates a resolver over a copy of the global policies.
func NewResolver(globals map[string]core.GlobalServerPolicy) *Resolver {
	cp := make(map[string]core.GlobalServerPolicy, len(globals))
	for k, v := range globals {
		cp[k] = v
	}
	return &Resolver{globals: cp}
}

// Global returns the policy of server.
func (r *Resolver) Global(server string) (core.GlobalServerPolicy, bool) {
	g, ok := r.globals[server]
	return g, ok
}

// VisibleTools resolves the tools of server visible to active. It returns
// nil when no agent is active, when the server is unknown or disabled, or
// when the agent does not list the server.
func (r *Resolver) VisibleTools(server string, advertised []core.ToolDescriptor, active *core.AgentDefinition) []core.ToolDescriptor {
	if active == nil {
		return nil
	}
	global, ok := r.globals[server]
	if !ok || !global.Enabled {
		return nil
	}
	scope, ok := active.ServerPolicies[server]
	if !ok {
		return nil
	}
	return ResolveVisibleTools(advertised, global, scope)
}

// ServersFor returns the servers a frame for active must connect to: those
// globally enabled and listed by the agent, sorted by name. An unscoped frame
// connects to nothing.
func (r *Resolver) ServersFor(active *core.AgentDefinition) []string {
	if active == nil {
		return nil
	}
	var servers []string
	for name := range active.ServerPolicies {
		if g, ok := r.globals[name]; ok && g.Enabled {
			servers = append(servers, name)
		}
	}
	sort.Strings(servers)
	return servers
}

// ConfirmationRequired returns the union of every server's
// requires-confirmation list, in server name order.
func (r *Resolver) ConfirmationRequired() core.NameSet {
	names := make([]string, 0, len(r.globals))
	for n := range r.globals {
		names = append(names, n)
	}
	sort.Strings(names)

	out := core.NewNameSet()
	for _, n := range names {
		out = out.Union(r.globals[n].RequiresConfirmation)
	}
	return out
}

// VisibleCallees computes the agents a frame may delegate to. An active
// agent's own callee list is authoritative; otherwise the CLI allowlist
// applies; otherwise every catalog agent is visible. Names missing from the
// catalog are dropped.
func VisibleCallees(active *core.AgentDefinition, cli core.NameSet, cat *catalog.Catalog) core.NameSet {
	var candidates core.NameSet
	switch {
	case active.HasCalleeRestriction():
		candidates = active.AllowedCallees
	case cli != nil:
		candidates = cli
	default:
		return cat.Names()
	}

	out := core.NewNameSet()
	for _, n := range candidates {
		if cat.Has(n) {
			out = out.Add(n)
		}
	}
	return out
}
