// Package core provides the foundational domain types shared by the
// delegation and tool-scoping engine:
//
//   - AgentDefinition / ServerScopePolicy (named policy bundles)
//   - GlobalServerPolicy / ToolDescriptor (server exposure and advertised tools)
//   - ScopeContext (per-frame active agent, callees, depth and CLI allowlist)
//   - Content / Part (role-tagged conversation messages)
//   - TurnBudget and the depth / turn limits
//   - the error taxonomy (ConfigurationError, ConnectionError, ModelCallError,
//     ToolExecutionError, PolicyViolation)
//
// The package holds no behavior beyond small helpers; resolution, dispatch
// and recursion live in the policy, delegation, flow and engine packages.
package core
