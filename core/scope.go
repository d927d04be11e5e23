package core

const (
	// MaxDelegationDepth bounds nested call_agent invocations. A delegation
	// requested at this depth or deeper is refused.
	MaxDelegationDepth = 5

	// MaxTurns bounds model round trips within one invocation.
	MaxTurns = 32
)

// ScopeContext is the per-frame state of one invocation. A fresh value is
// built for every delegation; children never mutate their parent's scope.
type ScopeContext struct {
	ActiveAgent    *AgentDefinition
	VisibleCallees NameSet
	Depth          int
	CLIAllowlist   NameSet
}

// AgentName returns the active agent's name or "" for an unscoped frame.
func (s ScopeContext) AgentName() string {
	if s.ActiveAgent == nil {
		return ""
	}
	return s.ActiveAgent.Name
}

// Child derives the scope for a delegation into target. The CLI allowlist is
// inherited; callees are computed by the caller for the new agent.
func (s ScopeContext) Child(target *AgentDefinition, callees NameSet) ScopeContext {
	return ScopeContext{
		ActiveAgent:    target,
		VisibleCallees: callees,
		Depth:          s.Depth + 1,
		CLIAllowlist:   s.CLIAllowlist,
	}
}
