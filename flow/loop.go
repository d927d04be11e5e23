// Package flow runs the bounded tool-calling conversation of one frame.
//
// A ToolLoop sends the accumulated conversation and the frame's visible tools
// to the model, dispatches every requested call in order and feeds the results
// back until the model produces a final answer or the turn budget runs out.
// Tool failures, refusals and unknown tools become tool-result messages; only
// a failed model call ends the frame early.
package flow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/hupe1980/agentrelay/confirm"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/delegation"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/model"
	"github.com/hupe1980/agentrelay/telemetry"
	"github.com/hupe1980/agentrelay/tool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ExhaustedMarker is returned when the turn budget runs out before the model
// produced any text.
const ExhaustedMarker = "Stopped after reaching the maximum number of turns."

// Delegator handles the virtual delegation tool. *delegation.Controller
// implements it.
type Delegator interface {
	Declaration(scope core.ScopeContext) model.ToolDefinition
	Handle(ctx context.Context, scope core.ScopeContext, rawArgs string) string
}

// Frame is everything one invocation needs. Frames are built per call and
// never shared between parent and child invocations.
type Frame struct {
	Scope        core.ScopeContext
	Instructions string
	Query        string

	// Tools are the server tools visible to the scope.
	Tools *tool.Registry

	// Delegator serves call_agent while the scope has callees. Otherwise
	// call_agent is resolved against Tools like any other name.
	Delegator Delegator

	// Gate decides confirmation-required calls. A nil gate approves all.
	Gate *confirm.Gate

	// Callbacks observe the frame. May be nil.
	Callbacks *CallbackManager
}

// Options configures a ToolLoop.
type Options struct {
	// MaxTurns bounds model round trips per frame; <= 0 means core.MaxTurns.
	MaxTurns int
	Logger   logging.Logger
	Tracer   trace.Tracer
}

// ToolLoop drives a model through tool calls. It holds no per-frame state and
// may run several frames, nested or sequential.
type ToolLoop struct {
	model model.Model
	opts  Options
}

// NewToolLoop creates a loop for m.
func NewToolLoop(m model.Model, optFns ...func(o *Options)) *ToolLoop {
	opts := Options{MaxTurns: core.MaxTurns}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	if opts.Tracer == nil {
		opts.Tracer = telemetry.Tracer()
	}
	return &ToolLoop{model: m, opts: opts}
}

// Run executes f to completion and returns the final assistant text.
//
// On a failed model call Run returns the error text together with a
// *core.ModelCallError. Exhausting the turn budget is not an error: the last
// assistant text seen, or ExhaustedMarker, is returned.
func (l *ToolLoop) Run(ctx context.Context, f Frame) (string, error) {
	budget := core.NewTurnBudget(l.opts.MaxTurns)
	offerDelegation := f.delegationOffered()
	tools := l.declarations(f, offerDelegation)
	contents := []core.Content{core.NewTextContent(core.RoleUser, f.Query)}
	agent := f.Scope.AgentName()

	var lastText string
	for {
		if err := budget.Take(); err != nil {
			l.opts.Logger.Warn("flow.budget.exhausted", "agent", agent, "depth", f.Scope.Depth, "turns", budget.Used())
			if lastText == "" {
				return ExhaustedMarker, nil
			}
			return lastText, nil
		}
		turn := budget.Used()

		req := model.Request{
			Instructions: f.Instructions,
			Contents:     append([]core.Content(nil), contents...),
			Tools:        tools,
		}
		l.fire(ctx, f, &CallbackContext{CallbackType: CallbackBeforeModel, Scope: f.Scope, Turn: turn, Request: &req})

		resp, err := l.generate(ctx, f, req)
		if err != nil {
			callErr := &core.ModelCallError{Model: l.model.Info().Name, Err: err}
			l.opts.Logger.Error("flow.turn.model_error", "agent", agent, "depth", f.Scope.Depth, "turn", turn, "error", err.Error())
			return callErr.Error(), callErr
		}
		l.fire(ctx, f, &CallbackContext{CallbackType: CallbackAfterModel, Scope: f.Scope, Turn: turn, Response: &resp})

		text := resp.Content.Text()
		if text != "" {
			lastText = text
		}

		// A frame that declared no tools has nothing to dispatch.
		calls := resp.Content.FunctionCalls()
		if len(calls) == 0 || len(tools) == 0 || resp.FinishReason == model.FinishStop {
			l.opts.Logger.Debug("flow.turn.final", "agent", agent, "depth", f.Scope.Depth, "turn", turn)
			return text, nil
		}

		assistant := resp.Content
		assistant.Role = core.RoleAssistant
		contents = append(contents, assistant)

		for i := range calls {
			call := calls[i]
			l.fire(ctx, f, &CallbackContext{CallbackType: CallbackBeforeTool, Scope: f.Scope, Turn: turn, Call: &call})

			result := l.dispatch(ctx, f, call, offerDelegation)
			contents = append(contents, core.NewToolResult(call, result))

			l.fire(ctx, f, &CallbackContext{CallbackType: CallbackAfterTool, Scope: f.Scope, Turn: turn, Call: &call, Result: result})
		}
	}
}

// delegationOffered reports whether call_agent is declared to the model. It
// is offered only when the scope has callees.
func (f Frame) delegationOffered() bool {
	return f.Delegator != nil && len(f.Scope.VisibleCallees) > 0
}

// declarations lists the frame's tools. A server tool named call_agent is
// hidden while delegation is offered.
func (l *ToolLoop) declarations(f Frame, offerDelegation bool) []model.ToolDefinition {
	var defs []model.ToolDefinition
	for _, def := range f.Tools.Definitions() {
		if offerDelegation && def.Function.Name == delegation.ToolName {
			continue
		}
		defs = append(defs, def)
	}
	if offerDelegation {
		defs = append(defs, f.Delegator.Declaration(f.Scope))
	}
	return defs
}

func (l *ToolLoop) generate(ctx context.Context, f Frame, req model.Request) (model.Response, error) {
	info := l.model.Info()
	ctx, span := l.opts.Tracer.Start(ctx, "agentrelay.model.generate", trace.WithAttributes(
		attribute.String("model.name", info.Name),
		attribute.String("model.provider", info.Provider),
		attribute.String("agent.name", f.Scope.AgentName()),
		attribute.Int("agent.depth", f.Scope.Depth),
		attribute.Int("model.tools", len(req.Tools)),
	))
	defer span.End()

	start := time.Now()
	resp, err := l.model.Generate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return model.Response{}, err
	}

	span.SetAttributes(attribute.String("model.finish_reason", resp.FinishReason))
	if resp.Usage != nil {
		span.SetAttributes(attribute.Int("model.total_tokens", resp.Usage.TotalTokens))
	}
	l.opts.Logger.Debug("flow.model.generated",
		"model", info.Name,
		"finish_reason", resp.FinishReason,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

// dispatch turns one call into its tool-result text. call_agent reaches the
// delegator only when it was offered; otherwise the name resolves like any
// server tool.
func (l *ToolLoop) dispatch(ctx context.Context, f Frame, call core.FunctionCall, offerDelegation bool) string {
	if call.Name == "" {
		return "Tool call missing function name"
	}

	ctx, span := l.opts.Tracer.Start(ctx, "agentrelay.tool.call", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("agent.name", f.Scope.AgentName()),
		attribute.Int("agent.depth", f.Scope.Depth),
	))
	defer span.End()

	if offerDelegation && call.Name == delegation.ToolName {
		span.SetAttributes(attribute.Bool("tool.delegation", true))
		return f.Delegator.Handle(ctx, f.Scope, call.Arguments)
	}

	t, ok := f.Tools.Lookup(call.Name)
	if !ok {
		l.opts.Logger.Warn("flow.tool.unknown", "agent", f.Scope.AgentName(), "tool", call.Name)
		return "Unknown tool: " + call.Name
	}

	if !f.Gate.Approve(ctx, call.Name) {
		span.SetAttributes(attribute.Bool("tool.declined", true))
		return "User declined to run tool " + call.Name
	}

	start := time.Now()
	out, err := l.execute(ctx, t, call)
	l.opts.Logger.Info("flow.tool.executed",
		"agent", f.Scope.AgentName(),
		"tool", call.Name,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err != nil,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var toolErr *tool.ToolError
		if errors.As(err, &toolErr) {
			err = errors.New(toolErr.Message)
		}
		return (&core.ToolExecutionError{Tool: call.Name, Err: err}).Error()
	}
	return out
}

func (l *ToolLoop) execute(ctx context.Context, t tool.Tool, call core.FunctionCall) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.opts.Logger.Error("flow.tool.panic", "tool", call.Name, "recover", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Call(ctx, tool.ParseArguments(call.Arguments))
}

func (l *ToolLoop) fire(ctx context.Context, f Frame, cbCtx *CallbackContext) {
	if err := f.Callbacks.ExecuteCallbacks(ctx, cbCtx.CallbackType, cbCtx); err != nil {
		l.opts.Logger.Warn("flow.callback.failed", "type", string(cbCtx.CallbackType), "error", err.Error())
	}
}
