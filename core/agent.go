package core

// ServerScopePolicy narrows the tools of one server for one agent. An empty
// IncludeTools means every tool of the server is a candidate; ExcludeTools
// always wins over IncludeTools.
type ServerScopePolicy struct {
	IncludeTools NameSet `json:"include_tools,omitempty" yaml:"include_tools,omitempty"`
	ExcludeTools NameSet `json:"exclude_tools,omitempty" yaml:"exclude_tools,omitempty"`
}

// AgentDefinition is a named policy bundle: prompt override, server and tool
// visibility and allowed delegation targets. Definitions are built once per
// top-level run and treated as immutable afterwards.
type AgentDefinition struct {
	Name         string
	Description  string
	SystemPrompt string

	// ServerPolicies maps server name to the tool scope for that server. Servers
	// absent from the map are not visible to the agent.
	ServerPolicies map[string]ServerScopePolicy

	// AllowedCallees lists the agents this agent may delegate to. Nil means no
	// restriction is tracked here and the process-wide allowlist applies.
	AllowedCallees NameSet
}

// HasCalleeRestriction reports whether the agent declares its own callee list.
func (a *AgentDefinition) HasCalleeRestriction() bool {
	return a != nil && a.AllowedCallees != nil
}

// Clone returns a deep copy of a.
func (a AgentDefinition) Clone() AgentDefinition {
	out := a
	out.AllowedCallees = a.AllowedCallees.Clone()
	if a.ServerPolicies != nil {
		out.ServerPolicies = make(map[string]ServerScopePolicy, len(a.ServerPolicies))
		for k, v := range a.ServerPolicies {
			out.ServerPolicies[k] = ServerScopePolicy{
				IncludeTools: v.IncludeTools.Clone(),
				ExcludeTools: v.ExcludeTools.Clone(),
			}
		}
	}
	return out
}
