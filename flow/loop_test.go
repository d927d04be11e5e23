package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/hupe1980/agentrelay/confirm"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/internal/testutil"
	"github.com/hupe1980/agentrelay/model"
	"github.com/hupe1980/agentrelay/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type recordingCaller struct {
	args []any
	out  string
	err  error
}

func (r *recordingCaller) CallTool(_ context.Context, _ string, args any) (string, error) {
	r.args = append(r.args, args)
	return r.out, r.err
}

func remote(name string, c tool.Caller) tool.Tool {
	return tool.NewRemoteTool(core.ToolDescriptor{Server: "s", Name: name, Description: name, Parameters: map[string]any{"type": "object"}}, c)
}

type stubDelegator struct {
	scopes []core.ScopeContext
	args   []string
}

func (d *stubDelegator) Declaration(core.ScopeContext) model.ToolDefinition {
	return model.NewToolDefinition("call_agent", "delegate", map[string]any{"type": "object"})
}

func (d *stubDelegator) Handle(_ context.Context, scope core.ScopeContext, raw string) string {
	d.scopes = append(d.scopes, scope)
	d.args = append(d.args, raw)
	return "call_agent completed: b\nsub answer"
}

func TestToolLoop_SingleTurn(t *testing.T) {
	m := testutil.NewScriptedModel(testutil.Reply(testutil.TextResponse("hello")))
	loop := NewToolLoop(m)

	out, err := loop.Run(context.Background(), Frame{Instructions: "be brief", Query: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	reqs := m.Requests()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Tools)
	assert.Equal(t, "be brief", reqs[0].Instructions)
	assert.Equal(t, "hi", testutil.UserQuery(reqs[0]))
}

func TestToolLoop_DispatchesInOrder(t *testing.T) {
	alpha := &recordingCaller{out: "alpha result"}
	beta := &recordingCaller{err: errors.New("disk full")}
	m := testutil.NewScriptedModel(
		testutil.Reply(testutil.NewResponseBuilder().
			Call("alpha", `{"x":1}`).
			Call("nope", `{}`).
			Call("", `{}`).
			Call("beta", `not json`).
			Build()),
		testutil.Reply(testutil.TextResponse("final")),
	)

	out, err := NewToolLoop(m).Run(context.Background(), Frame{
		Query: "go",
		Tools: tool.NewRegistry(remote("alpha", alpha), remote("beta", beta)),
	})
	require.NoError(t, err)
	assert.Equal(t, "final", out)

	reqs := m.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, []string{"alpha", "beta"}, testutil.ToolNames(reqs[0]))
	assert.Equal(t, []string{
		"alpha result",
		"Unknown tool: nope",
		"Tool call missing function name",
		"Tool beta failed: disk full",
	}, testutil.LastToolResults(reqs[1]))

	assert.Equal(t, []any{map[string]any{"x": float64(1)}}, alpha.args)
	assert.Equal(t, []any{"not json"}, beta.args)
}

func TestToolLoop_ToolResultsCorrelateWithCalls(t *testing.T) {
	m := testutil.NewScriptedModel(
		testutil.Reply(testutil.NewResponseBuilder().CallWithID("id-1", "alpha", "{}").CallWithID("id-2", "alpha", "{}").Build()),
	)
	_, err := NewToolLoop(m).Run(context.Background(), Frame{
		Query: "go",
		Tools: tool.NewRegistry(remote("alpha", &recordingCaller{out: "ok"})),
	})
	require.NoError(t, err)

	second := m.Requests()[1]
	var ids []string
	for _, c := range second.Contents {
		for _, p := range c.Parts {
			if fr, ok := p.(core.FunctionResponsePart); ok {
				assert.Equal(t, core.RoleTool, c.Role)
				ids = append(ids, fr.FunctionResponse.ID)
			}
		}
	}
	assert.Equal(t, []string{"id-1", "id-2"}, ids)
}

func TestToolLoop_RecoversToolPanic(t *testing.T) {
	boom := tool.NewFunctionTool("boom", "panics", map[string]any{"type": "object"}, func(context.Context, map[string]any) (any, error) {
		panic("kaboom")
	})
	m := testutil.NewScriptedModel(testutil.Reply(testutil.NewResponseBuilder().Call("boom", "{}").Build()))

	out, err := NewToolLoop(m).Run(context.Background(), Frame{Query: "q", Tools: tool.NewRegistry(boom)})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, []string{"Tool boom failed: panic: kaboom"}, testutil.LastToolResults(m.Requests()[1]))
}

func TestToolLoop_ConfirmationDeclined(t *testing.T) {
	danger := &recordingCaller{out: "deleted"}
	m := testutil.NewScriptedModel(testutil.Reply(testutil.NewResponseBuilder().Call("delete", "{}").Call("read", "{}").Build()))

	out, err := NewToolLoop(m).Run(context.Background(), Frame{
		Query: "q",
		Tools: tool.NewRegistry(remote("delete", danger), remote("read", &recordingCaller{out: "content"})),
		Gate:  confirm.NewGate(core.NewNameSet("delete"), confirm.Never),
	})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Empty(t, danger.args)
	assert.Equal(t, []string{"User declined to run tool delete", "content"}, testutil.LastToolResults(m.Requests()[1]))
}

func TestToolLoop_ConfirmationApproved(t *testing.T) {
	danger := &recordingCaller{out: "deleted"}
	m := testutil.NewScriptedModel(testutil.Reply(testutil.NewResponseBuilder().Call("delete", "{}").Build()))

	_, err := NewToolLoop(m).Run(context.Background(), Frame{
		Query: "q",
		Tools: tool.NewRegistry(remote("delete", danger)),
		Gate:  confirm.NewGate(core.NewNameSet("delete"), confirm.Always),
	})
	require.NoError(t, err)
	assert.Len(t, danger.args, 1)
}

func TestToolLoop_ModelError(t *testing.T) {
	m := testutil.NewScriptedModel(testutil.Fail(errors.New("503 unavailable")))
	m.Name = "gpt-test"

	out, err := NewToolLoop(m).Run(context.Background(), Frame{Query: "q"})
	var callErr *core.ModelCallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "gpt-test", callErr.Model)
	assert.Equal(t, "model call to gpt-test failed: 503 unavailable", out)
	assert.Equal(t, 1, m.Calls())
}

func TestToolLoop_BudgetExhausted(t *testing.T) {
	looping := testutil.Reply(testutil.NewResponseBuilder().Text("still working").Call("alpha", "{}").Build())
	m := testutil.NewScriptedModel()
	m.Fallback = looping

	out, err := NewToolLoop(m, func(o *Options) { o.MaxTurns = 3 }).Run(context.Background(), Frame{
		Query: "q",
		Tools: tool.NewRegistry(remote("alpha", &recordingCaller{out: "ok"})),
	})
	require.NoError(t, err)
	assert.Equal(t, "still working", out)
	assert.Equal(t, 3, m.Calls())

	silent := testutil.NewScriptedModel()
	silent.Fallback = testutil.Reply(testutil.NewResponseBuilder().Call("alpha", "{}").Build())
	out, err = NewToolLoop(silent, func(o *Options) { o.MaxTurns = 2 }).Run(context.Background(), Frame{
		Query: "q",
		Tools: tool.NewRegistry(remote("alpha", &recordingCaller{out: "ok"})),
	})
	require.NoError(t, err)
	assert.Equal(t, ExhaustedMarker, out)
}

func TestToolLoop_DefaultBudget(t *testing.T) {
	m := testutil.NewScriptedModel()
	m.Fallback = testutil.Reply(testutil.NewResponseBuilder().Call("missing", "{}").Build())

	_, err := NewToolLoop(m).Run(context.Background(), Frame{
		Query: "q",
		Tools: tool.NewRegistry(remote("alpha", &recordingCaller{out: "ok"})),
	})
	require.NoError(t, err)
	assert.Equal(t, core.MaxTurns, m.Calls())
}

func TestToolLoop_NoToolsIsFinal(t *testing.T) {
	m := testutil.NewScriptedModel(
		testutil.Reply(testutil.NewResponseBuilder().Text("first").Call("alpha", "{}").Build()),
		testutil.Reply(testutil.TextResponse("second")),
	)

	out, err := NewToolLoop(m).Run(context.Background(), Frame{Query: "q", Tools: tool.NewRegistry()})
	require.NoError(t, err)
	assert.Equal(t, "first", out)
	assert.Equal(t, 1, m.Calls())
	assert.Empty(t, m.Requests()[0].Tools)
}

func TestToolLoop_StopFinishIsFinal(t *testing.T) {
	caller := &recordingCaller{out: "x"}
	m := testutil.NewScriptedModel(testutil.Reply(
		testutil.NewResponseBuilder().Text("answer").Call("alpha", "{}").Finish(model.FinishStop).Build(),
	))

	out, err := NewToolLoop(m).Run(context.Background(), Frame{Query: "q", Tools: tool.NewRegistry(remote("alpha", caller))})
	require.NoError(t, err)
	assert.Equal(t, "answer", out)
	assert.Empty(t, caller.args)
	assert.Equal(t, 1, m.Calls())
}

func TestToolLoop_Delegation(t *testing.T) {
	d := &stubDelegator{}
	shadowed := &recordingCaller{out: "server call_agent"}
	m := testutil.NewScriptedModel(
		testutil.Reply(testutil.NewResponseBuilder().Delegate("sub task", "b").Build()),
		testutil.Reply(testutil.TextResponse("parent done")),
	)
	scope := core.ScopeContext{VisibleCallees: core.NewNameSet("b"), Depth: 1}

	out, err := NewToolLoop(m).Run(context.Background(), Frame{
		Scope:     scope,
		Query:     "q",
		Tools:     tool.NewRegistry(remote("call_agent", shadowed), remote("alpha", &recordingCaller{})),
		Delegator: d,
	})
	require.NoError(t, err)
	assert.Equal(t, "parent done", out)

	reqs := m.Requests()
	assert.Equal(t, []string{"alpha", "call_agent"}, testutil.ToolNames(reqs[0]))
	require.Len(t, d.scopes, 1)
	assert.Equal(t, 1, d.scopes[0].Depth)
	assert.JSONEq(t, `{"query":"sub task","target_agent":"b"}`, d.args[0])
	assert.Empty(t, shadowed.args)
	assert.Equal(t, []string{"call_agent completed: b\nsub answer"}, testutil.LastToolResults(reqs[1]))
}

func TestToolLoop_DelegationNotOfferedWithoutCallees(t *testing.T) {
	d := &stubDelegator{}
	m := testutil.NewScriptedModel(
		testutil.Reply(testutil.NewResponseBuilder().Delegate("sub", "").Build()),
		testutil.Reply(testutil.TextResponse("ok")),
	)

	out, err := NewToolLoop(m).Run(context.Background(), Frame{Query: "q", Delegator: d})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Empty(t, m.Requests()[0].Tools)
	assert.Equal(t, 1, m.Calls())
	assert.Empty(t, d.scopes)
}

func TestToolLoop_ServerCallAgentRunsWithoutCallees(t *testing.T) {
	d := &stubDelegator{}
	server := &recordingCaller{out: "server call_agent"}
	m := testutil.NewScriptedModel(
		testutil.Reply(testutil.NewResponseBuilder().Delegate("sub", "b").Build()),
		testutil.Reply(testutil.TextResponse("ok")),
	)

	_, err := NewToolLoop(m).Run(context.Background(), Frame{
		Query:     "q",
		Tools:     tool.NewRegistry(remote("call_agent", server)),
		Delegator: d,
	})
	require.NoError(t, err)

	reqs := m.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "call_agent", reqs[0].Tools[0].Function.Description)
	assert.Len(t, server.args, 1)
	assert.Empty(t, d.scopes)
	assert.Equal(t, []string{"server call_agent"}, testutil.LastToolResults(reqs[1]))
}

func TestToolLoop_LocalToolErrorMessage(t *testing.T) {
	failing := tool.NewFunctionTool("x", "fails", map[string]any{"type": "object"}, func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	m := testutil.NewScriptedModel(
		testutil.Reply(testutil.NewResponseBuilder().Call("x", "{}").Build()),
		testutil.Reply(testutil.TextResponse("done")),
	)

	_, err := NewToolLoop(m).Run(context.Background(), Frame{Query: "q", Tools: tool.NewRegistry(failing)})
	require.NoError(t, err)
	assert.Equal(t, []string{"Tool x failed: boom"}, testutil.LastToolResults(m.Requests()[1]))
}

func TestToolLoop_CallbacksObserveOnly(t *testing.T) {
	var events []string
	record := func(ctx context.Context, cbCtx *CallbackContext) error {
		name := string(cbCtx.CallbackType)
		if cbCtx.Call != nil {
			name += ":" + cbCtx.Call.Name
		}
		if cbCtx.CallbackType == CallbackAfterTool {
			name += "=" + cbCtx.Result
		}
		events = append(events, name)
		return errors.New("ignored")
	}
	cbs := NewCallbackManager(
		NewFunctionCallback(CallbackBeforeModel, record),
		NewFunctionCallback(CallbackAfterModel, record),
		NewFunctionCallback(CallbackBeforeTool, record),
		NewFunctionCallback(CallbackAfterTool, record),
	)
	assert.Equal(t, 4, cbs.Len())

	m := testutil.NewScriptedModel(
		testutil.Reply(testutil.NewResponseBuilder().Call("alpha", "{}").Build()),
		testutil.Reply(testutil.TextResponse("end")),
	)
	out, err := NewToolLoop(m).Run(context.Background(), Frame{
		Query:     "q",
		Tools:     tool.NewRegistry(remote("alpha", &recordingCaller{out: "A"})),
		Callbacks: cbs,
	})
	require.NoError(t, err)
	assert.Equal(t, "end", out)
	assert.Equal(t, []string{
		"before_model",
		"after_model",
		"before_tool:alpha",
		"after_tool:alpha=A",
		"before_model",
		"after_model",
	}, events)
}

func TestToolLoop_Spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")

	m := testutil.NewScriptedModel(
		testutil.Reply(testutil.NewResponseBuilder().Call("alpha", "{}").Build()),
		testutil.Reply(testutil.TextResponse("end")),
	)
	_, err := NewToolLoop(m, func(o *Options) { o.Tracer = tracer }).Run(context.Background(), Frame{
		Query: "q",
		Tools: tool.NewRegistry(remote("alpha", &recordingCaller{out: "A"})),
	})
	require.NoError(t, err)

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"agentrelay.model.generate", "agentrelay.tool.call", "agentrelay.model.generate"}, names)
}

func TestCallbackManager_RecoversPanics(t *testing.T) {
	var ran bool
	cbs := NewCallbackManager(
		NewFunctionCallback(CallbackAfterTool, func(context.Context, *CallbackContext) error { panic("bad callback") }),
		NewFunctionCallback(CallbackAfterTool, func(context.Context, *CallbackContext) error { ran = true; return nil }),
	)
	err := cbs.ExecuteCallbacks(context.Background(), CallbackAfterTool, &CallbackContext{CallbackType: CallbackAfterTool})
	assert.Error(t, err)
	assert.True(t, ran)

	var nilManager *CallbackManager
	assert.NoError(t, nilManager.ExecuteCallbacks(context.Background(), CallbackAfterTool, &CallbackContext{}))
}

func TestLoggingCallback(t *testing.T) {
	var lines []string
	cb := NewLoggingCallback(CallbackBeforeTool, func(m string) { lines = append(lines, m) })
	call := core.FunctionCall{Name: "alpha"}
	require.NoError(t, cb.Execute(context.Background(), &CallbackContext{CallbackType: CallbackBeforeTool, Turn: 2, Call: &call}))
	assert.Equal(t, []string{"[before_tool] agent=- depth=0 turn=2 tool=alpha"}, lines)
}
