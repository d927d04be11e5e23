// Package delegation implements the virtual call_agent tool.
//
// A delegation request names an optional target agent and a sub-query. The
// Controller resolves the target against the catalog, enforces the callee
// allowlists and the depth bound, derives a narrower child scope and re-enters
// the conversation engine through an Invoker. Every outcome, including
// refusals and nested failures, is rendered as a tool-result string so the
// calling model can react to it.
package delegation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/agentrelay/catalog"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/model"
	"github.com/hupe1980/agentrelay/policy"
)

// ToolName is the name under which the delegation tool is offered.
const ToolName = "call_agent"

// unscopedLabel names the target of a delegation without any agent.
const unscopedLabel = "unscoped"

// Request is a decoded call_agent invocation. An empty TargetAgent means
// "the current agent, or unscoped when there is none".
type Request struct {
	Query       string `json:"query"`
	TargetAgent string `json:"target_agent,omitempty"`
}

// ParseRequest decodes raw call_agent arguments. Non-string fields and
// malformed JSON produce a Request with an empty query.
func ParseRequest(raw string) Request {
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return Request{}
	}
	var req Request
	if q, ok := args["query"].(string); ok {
		req.Query = q
	}
	if t, ok := args["target_agent"].(string); ok {
		req.TargetAgent = strings.TrimSpace(t)
	}
	return req
}

// Invoker runs a nested invocation under scope and returns its final text.
type Invoker interface {
	Invoke(ctx context.Context, scope core.ScopeContext, query string) (string, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, scope core.ScopeContext, query string) (string, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, scope core.ScopeContext, query string) (string, error) {
	return f(ctx, scope, query)
}

// Options configures a Controller.
type Options struct {
	Logger logging.Logger
}

// Controller owns the call_agent tool for one top-level run. It shares the
// read-only catalog with every nested frame.
type Controller struct {
	catalog *catalog.Catalog
	invoker Invoker
	opts    Options
}

// NewController creates a controller resolving targets in cat and running
// accepted delegations through invoker.
func NewController(cat *catalog.Catalog, invoker Invoker, optFns ...func(o *Options)) *Controller {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	if cat == nil {
		cat = catalog.Empty()
	}
	return &Controller{catalog: cat, invoker: invoker, opts: opts}
}

// Catalog returns the catalog the controller resolves against.
func (c *Controller) Catalog() *catalog.Catalog { return c.catalog }

// Declaration returns the model facing schema of call_agent for scope. The
// target_agent enum lists the visible callees and is left out when empty.
func (c *Controller) Declaration(scope core.ScopeContext) model.ToolDefinition {
	target := map[string]any{
		"type":        "string",
		"description": "Name of the agent to delegate to. Defaults to the current agent.",
	}
	if len(scope.VisibleCallees) > 0 {
		target["enum"] = []string(scope.VisibleCallees.Clone())
	}

	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The task or question for the delegated agent.",
			},
			"target_agent": target,
		},
		"required": []string{"query"},
	}

	return model.NewToolDefinition(ToolName, c.describe(scope), params)
}

func (c *Controller) describe(scope core.ScopeContext) string {
	var b strings.Builder
	b.WriteString("Delegate a sub-task to another agent and receive its final answer.")
	if len(scope.VisibleCallees) == 0 {
		return b.String()
	}
	b.WriteString("\n\nAvailable agents:")
	for _, name := range scope.VisibleCallees {
		b.WriteString("\n- ")
		b.WriteString(name)
		if def, ok := c.catalog.Lookup(name); ok && def.Description != "" {
			b.WriteString(": ")
			b.WriteString(def.Description)
		}
	}
	return b.String()
}

// Resolve validates req against scope and returns the child scope to run the
// delegation under together with the target label used in results. Refusals
// are returned as *core.PolicyViolation.
func (c *Controller) Resolve(scope core.ScopeContext, req Request) (core.ScopeContext, string, error) {
	targetName := req.TargetAgent
	if targetName == "" {
		targetName = scope.AgentName()
	}

	var target *core.AgentDefinition
	if targetName != "" {
		def, ok := c.catalog.Lookup(targetName)
		if !ok {
			return core.ScopeContext{}, targetName, &core.PolicyViolation{
				Kind:    core.UnknownAgent,
				Target:  targetName,
				Message: fmt.Sprintf("%s failed: unknown agent '%s'", ToolName, targetName),
			}
		}
		target = def

		if active := scope.ActiveAgent; active.HasCalleeRestriction() {
			if !active.AllowedCallees.Has(targetName) {
				return core.ScopeContext{}, targetName, &core.PolicyViolation{
					Kind:    core.DelegationRefused,
					Target:  targetName,
					Message: fmt.Sprintf("%s refused: agent '%s' is not allowed to call '%s'", ToolName, active.Name, targetName),
				}
			}
		} else if scope.CLIAllowlist != nil && !scope.CLIAllowlist.Has(targetName) {
			return core.ScopeContext{}, targetName, &core.PolicyViolation{
				Kind:    core.DelegationRefused,
				Target:  targetName,
				Message: fmt.Sprintf("%s refused: target agent '%s' not in CLI allowlist", ToolName, targetName),
			}
		}
	}

	label := targetName
	if label == "" {
		label = unscopedLabel
	}

	if scope.Depth >= core.MaxDelegationDepth {
		return core.ScopeContext{}, label, &core.PolicyViolation{
			Kind:    core.DepthExceeded,
			Target:  label,
			Message: ToolName + " refused: maximum recursion depth reached",
		}
	}

	callees := policy.VisibleCallees(target, scope.CLIAllowlist, c.catalog)
	return scope.Child(target, callees), label, nil
}

// Handle executes one call_agent request and returns the tool-result text.
// It never fails: refusals and nested errors become result strings.
func (c *Controller) Handle(ctx context.Context, scope core.ScopeContext, rawArgs string) string {
	req := ParseRequest(rawArgs)
	if strings.TrimSpace(req.Query) == "" {
		return ToolName + ` requires a non-empty "query" string`
	}

	child, label, err := c.Resolve(scope, req)
	if err != nil {
		var violation *core.PolicyViolation
		if errors.As(err, &violation) {
			c.opts.Logger.Info("delegation.refused",
				"from", scope.AgentName(),
				"target", violation.Target,
				"kind", string(violation.Kind),
				"depth", scope.Depth,
			)
		}
		return err.Error()
	}

	c.opts.Logger.Info("delegation.start", "from", scope.AgentName(), "target", label, "depth", child.Depth)

	result, err := c.invoke(ctx, child, req.Query)
	if err != nil {
		var modelErr *core.ModelCallError
		if errors.As(err, &modelErr) {
			// A failed model call is the nested invocation's result.
			c.opts.Logger.Warn("delegation.model_error", "target", label, "depth", child.Depth, "error", err.Error())
			if result == "" {
				result = err.Error()
			}
			return fmt.Sprintf("%s completed: %s\n%s", ToolName, label, result)
		}
		c.opts.Logger.Error("delegation.failed", "target", label, "depth", child.Depth, "error", err.Error())
		return fmt.Sprintf("%s failed (%s): %s", ToolName, label, err.Error())
	}

	c.opts.Logger.Info("delegation.completed", "target", label, "depth", child.Depth)
	return fmt.Sprintf("%s completed: %s\n%s", ToolName, label, result)
}

func (c *Controller) invoke(ctx context.Context, scope core.ScopeContext, query string) (result string, err error) {
	if c.invoker == nil {
		return "", errors.New("no invoker configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.invoker.Invoke(ctx, scope, query)
}
