// Package engine runs top-level invocations and the nested invocations they
// spawn through delegation.
//
// # Frames
//
// Every invocation, top-level or delegated, is a frame. A frame:
//
//  1. connects to the servers its agent lists and that are globally enabled,
//  2. resolves the visible tools of each server through the policy resolver,
//  3. renders the agent's system prompt,
//  4. runs the tool loop, and
//  5. closes every connection it opened, exactly once, on every exit path.
//
// Servers that fail to connect or list tools are logged and skipped. An
// unscoped frame (no active agent) connects to nothing and sees no server
// tools.
//
// # Runs
//
// A run resolves the agent catalog once from RunRequest.Agents and shares it,
// read-only, with every nested frame together with the confirmation gate.
// Delegations re-enter the engine through the run, which implements
// delegation.Invoker.
//
// # Echo
//
// For a top-level, non-quiet run the outcome of every tool call of the top
// frame is echoed to Options.Echo. Nested frames never echo.
package engine
