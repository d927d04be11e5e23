package engine

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/hupe1980/agentrelay/catalog"
	"github.com/hupe1980/agentrelay/confirm"
	"github.com/hupe1980/agentrelay/connector"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/delegation"
	"github.com/hupe1980/agentrelay/flow"
	"github.com/hupe1980/agentrelay/internal/util"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/model"
	"github.com/hupe1980/agentrelay/policy"
	"github.com/hupe1980/agentrelay/telemetry"
	"github.com/hupe1980/agentrelay/tool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Options configures an Engine.
type Options struct {
	// Model drives every frame. Required.
	Model model.Model

	// Connector opens server connections. Defaults to an MCP connector.
	Connector connector.Connector

	// Servers holds the transport configuration per server name.
	Servers map[string]connector.ServerConfig

	// Policies holds the global policy per server name. Servers without a
	// policy are never connected.
	Policies map[string]core.GlobalServerPolicy

	// Confirmer answers confirmation-required tool calls. Nil declines them.
	Confirmer confirm.Confirmer

	// SystemPrompt is used by unscoped frames and by agents without their
	// own prompt. It may use {{.agent}}, {{.depth}} and {{.callees}}.
	SystemPrompt string

	// Callbacks are registered on every frame.
	Callbacks []flow.Callback

	// Echo receives tool outcomes of top-level, non-quiet runs.
	Echo io.Writer

	MaxTurns int
	Logger   logging.Logger
	Tracer   trace.Tracer
}

// RunRequest describes one top-level invocation.
type RunRequest struct {
	Query string

	// Agent names the top-level agent. Empty runs unscoped.
	Agent string

	// Agents are the definitions the run's catalog is built from.
	Agents []core.AgentDefinition

	// CLIAllowlist restricts delegation targets of agents that declare no
	// callee list of their own. Nil means no restriction.
	CLIAllowlist core.NameSet

	// SkipConfirmation waives all confirmation prompts.
	SkipConfirmation bool

	// Quiet suppresses the echo of intermediate tool outcomes.
	Quiet bool

	// RunID correlates the logs and spans of every frame of the run. A new
	// ID is generated when empty.
	RunID string
}

// Engine runs invocations. It is safe for concurrent runs; each run owns its
// catalog, gate and connections.
type Engine struct {
	opts     Options
	resolver *policy.Resolver
	loop     *flow.ToolLoop
	required core.NameSet
}

// New creates an engine. A missing model is a *core.ConfigurationError.
func New(optFns ...func(o *Options)) (*Engine, error) {
	opts := Options{MaxTurns: core.MaxTurns}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Model == nil {
		return nil, core.NewConfigurationError("no model configured")
	}
	return build(opts), nil
}

// ListTools resolves the tools visible to req's scope like
// Engine.VisibleTools, but needs no model.
func ListTools(ctx context.Context, req RunRequest, optFns ...func(o *Options)) ([]core.ToolDescriptor, error) {
	opts := Options{MaxTurns: core.MaxTurns}
	for _, fn := range optFns {
		fn(&opts)
	}
	return build(opts).VisibleTools(ctx, req)
}

func build(opts Options) *Engine {
	opts.Logger = logging.OrNoOp(opts.Logger)
	if opts.Tracer == nil {
		opts.Tracer = telemetry.Tracer()
	}
	if opts.Connector == nil {
		logger := opts.Logger
		opts.Connector = connector.NewMCPConnector(func(o *connector.MCPOptions) { o.Logger = logger })
	}

	resolver := policy.NewResolver(opts.Policies)
	loop := flow.NewToolLoop(opts.Model, func(o *flow.Options) {
		o.MaxTurns = opts.MaxTurns
		o.Logger = opts.Logger
		o.Tracer = opts.Tracer
	})

	return &Engine{
		opts:     opts,
		resolver: resolver,
		loop:     loop,
		required: resolver.ConfirmationRequired(),
	}
}

// Run executes a top-level invocation and returns its final text.
//
// Configuration problems (duplicate or unknown agents) are returned before
// the model is contacted. A failed model call returns the error text along
// with the *core.ModelCallError.
func (e *Engine) Run(ctx context.Context, req RunRequest) (string, error) {
	r, scope, err := e.newRun(req)
	if err != nil {
		return "", err
	}

	e.opts.Logger.Info("engine.run.start", "run_id", r.id, "agent", scope.AgentName(), "callees", len(scope.VisibleCallees))
	out, err := r.Invoke(ctx, scope, req.Query)
	if err != nil {
		e.opts.Logger.Error("engine.run.failed", "run_id", r.id, "agent", scope.AgentName(), "error", err.Error())
		return out, err
	}
	e.opts.Logger.Info("engine.run.completed", "run_id", r.id, "agent", scope.AgentName())
	return out, nil
}

// VisibleTools connects to the servers of the requested scope, resolves the
// tools visible to it and closes the connections again.
func (e *Engine) VisibleTools(ctx context.Context, req RunRequest) ([]core.ToolDescriptor, error) {
	_, scope, err := e.newRun(req)
	if err != nil {
		return nil, err
	}

	group := connector.NewGroup(e.opts.Logger)
	defer group.Close()

	registry := e.setup(ctx, scope, group)
	tools := registry.Tools()
	out := make([]core.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		if rt, ok := t.(*tool.RemoteTool); ok {
			out = append(out, rt.Descriptor())
		}
	}
	return out, nil
}

func (e *Engine) newRun(req RunRequest) (*run, core.ScopeContext, error) {
	cat, err := catalog.New(req.Agents...)
	if err != nil {
		return nil, core.ScopeContext{}, err
	}

	var active *core.AgentDefinition
	if req.Agent != "" {
		def, ok := cat.Lookup(req.Agent)
		if !ok {
			return nil, core.ScopeContext{}, core.NewConfigurationError("unknown agent %q", req.Agent)
		}
		active = def
	}

	cli := req.CLIAllowlist.Clone()
	scope := core.ScopeContext{
		ActiveAgent:    active,
		VisibleCallees: policy.VisibleCallees(active, cli, cat),
		CLIAllowlist:   cli,
	}

	id := req.RunID
	if id == "" {
		id = core.NewID()
	}

	r := &run{
		id:     id,
		engine: e,
		gate: confirm.NewGate(e.required, e.opts.Confirmer, func(o *confirm.GateOptions) {
			o.Waived = req.SkipConfirmation
			o.Logger = e.opts.Logger
		}),
		echo: !req.Quiet && e.opts.Echo != nil,
	}
	r.delegator = delegation.NewController(cat, r, func(o *delegation.Options) { o.Logger = e.opts.Logger })
	return r, scope, nil
}

// setup connects the servers of scope and registers the visible tools. Every
// opened connection is added to group, including those whose listing fails.
func (e *Engine) setup(ctx context.Context, scope core.ScopeContext, group *connector.Group) *tool.Registry {
	registry := tool.NewRegistry()

	for _, server := range e.resolver.ServersFor(scope.ActiveAgent) {
		conn, err := e.opts.Connector.Connect(ctx, server, e.opts.Servers[server])
		if err != nil {
			e.opts.Logger.Warn("connector.connect.failed", "server", server, "agent", scope.AgentName(), "error", err.Error())
			continue
		}
		group.Add(conn)

		advertised, err := conn.ListTools(ctx)
		if err != nil {
			e.opts.Logger.Warn("connector.list.failed", "server", server, "agent", scope.AgentName(), "error", err.Error())
			continue
		}

		visible := e.resolver.VisibleTools(server, advertised, scope.ActiveAgent)
		for _, desc := range visible {
			if registry.Register(tool.NewRemoteTool(desc, conn)) {
				e.opts.Logger.Debug("engine.tool.replaced", "tool", desc.Name, "server", server)
			}
		}
		e.opts.Logger.Debug("engine.server.ready", "server", server, "advertised", len(advertised), "visible", len(visible))
	}
	return registry
}

// instructions renders the system prompt of scope.
func (e *Engine) instructions(scope core.ScopeContext) string {
	prompt := e.opts.SystemPrompt
	if scope.ActiveAgent != nil && scope.ActiveAgent.SystemPrompt != "" {
		prompt = scope.ActiveAgent.SystemPrompt
	}

	rendered, err := util.RenderTemplate(prompt, map[string]any{
		"agent":   scope.AgentName(),
		"depth":   scope.Depth,
		"callees": []string(scope.VisibleCallees),
	})
	if err != nil {
		e.opts.Logger.Warn("engine.prompt.render_failed", "agent", scope.AgentName(), "error", err.Error())
		return prompt
	}
	return rendered
}

// run is the state shared by all frames of one top-level invocation.
type run struct {
	id        string
	engine    *Engine
	gate      *confirm.Gate
	delegator *delegation.Controller
	echo      bool
}

// Invoke runs one frame. It implements delegation.Invoker, so nested
// delegations re-enter here with the child scope.
func (r *run) Invoke(ctx context.Context, scope core.ScopeContext, query string) (string, error) {
	e := r.engine

	ctx, span := e.opts.Tracer.Start(ctx, "agentrelay.invoke", trace.WithAttributes(
		attribute.String("run.id", r.id),
		attribute.String("agent.name", scope.AgentName()),
		attribute.Int("agent.depth", scope.Depth),
	))
	defer span.End()

	group := connector.NewGroup(e.opts.Logger)
	defer group.Close()

	registry := r.engine.setup(ctx, scope, group)
	span.SetAttributes(attribute.Int("agent.tools", registry.Len()))

	e.opts.Logger.Debug("engine.invoke.start",
		"run_id", r.id,
		"agent", scope.AgentName(),
		"depth", scope.Depth,
		"tools", registry.Len(),
		"connections", group.Len(),
	)

	out, err := e.loop.Run(ctx, flow.Frame{
		Scope:        scope,
		Instructions: e.instructions(scope),
		Query:        query,
		Tools:        registry,
		Delegator:    r.delegator,
		Gate:         r.gate,
		Callbacks:    r.callbacks(scope),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.opts.Logger.Warn("engine.invoke.failed", "agent", labelOf(scope), "depth", scope.Depth, "error", err.Error())
	}
	return out, err
}

func (r *run) callbacks(scope core.ScopeContext) *flow.CallbackManager {
	cm := flow.NewCallbackManager(r.engine.opts.Callbacks...)
	if scope.Depth == 0 && r.echo {
		cm.RegisterCallback(newEchoCallback(r.engine.opts.Echo))
	}
	return cm
}

func labelOf(scope core.ScopeContext) string {
	if name := scope.AgentName(); name != "" {
		return name
	}
	return "unscoped"
}

const maxEchoLen = 200

func newEchoCallback(w io.Writer) flow.Callback {
	return flow.NewFunctionCallback(flow.CallbackAfterTool, func(_ context.Context, cbCtx *flow.CallbackContext) error {
		_, err := fmt.Fprintf(w, "[%s] %s\n", cbCtx.Call.Name, summarize(cbCtx.Result))
		return err
	})
}

// summarize returns the first line of s, shortened to maxEchoLen runes.
func summarize(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	if r := []rune(line); len(r) > maxEchoLen {
		return string(r[:maxEchoLen]) + "..."
	}
	return line
}
