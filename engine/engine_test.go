package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hupe1980/agentrelay/confirm"
	"github.com/hupe1980/agentrelay/connector"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/internal/testutil"
	"github.com/hupe1980/agentrelay/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newEngine(t *testing.T, m model.Model, conn connector.Connector, optFns ...func(o *Options)) *Engine {
	t.Helper()
	e, err := New(append([]func(o *Options){func(o *Options) {
		o.Model = m
		o.Connector = conn
		o.Policies = map[string]core.GlobalServerPolicy{
			"s1":  {Enabled: true, Exclude: core.NewNameSet("y")},
			"s2":  {Enabled: true, RequiresConfirmation: core.NewNameSet("danger")},
			"off": {Enabled: false},
		}
	}}, optFns...)...)
	require.NoError(t, err)
	return e
}

func agents() []core.AgentDefinition {
	return []core.AgentDefinition{
		{
			Name:           "a",
			Description:    "coordinator",
			SystemPrompt:   "You are {{.agent}} at depth {{.depth}}.",
			ServerPolicies: map[string]core.ServerScopePolicy{"s1": {IncludeTools: core.NewNameSet("x")}},
			AllowedCallees: core.NewNameSet("b"),
		},
		{
			Name:           "b",
			Description:    "worker",
			ServerPolicies: map[string]core.ServerScopePolicy{"s2": {}, "off": {}},
		},
		{Name: "c"},
	}
}

func fakeServers() *testutil.FakeConnector {
	return testutil.NewFakeConnector().
		WithTools("s1", "x", "y", "z").
		WithTools("s2", "work", "danger").
		WithTools("off", "hidden")
}

func assertAllClosedOnce(t *testing.T, conn *testutil.FakeConnector) {
	t.Helper()
	for _, c := range conn.Connections() {
		assert.Equal(t, 1, c.Closes(), "server %s", c.Server())
	}
}

func TestNew_RequiresModel(t *testing.T) {
	_, err := New()
	var cfgErr *core.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestRun_UnscopedSingleTurn(t *testing.T) {
	conn := fakeServers()
	m := testutil.NewScriptedModel(testutil.Reply(testutil.TextResponse("answer")))
	e := newEngine(t, m, conn)

	out, err := e.Run(context.Background(), RunRequest{Query: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "answer", out)
	assert.Empty(t, conn.Connections())
	assert.Empty(t, m.Requests()[0].Tools)
}

func TestRun_UnscopedNeverDispatchesServerTools(t *testing.T) {
	conn := fakeServers()
	m := testutil.NewScriptedModel(
		testutil.Reply(testutil.NewResponseBuilder().Text("first-turn text").Call("x", "{}").Build()),
		testutil.Reply(testutil.TextResponse("second turn")),
	)
	e := newEngine(t, m, conn)

	out, err := e.Run(context.Background(), RunRequest{Query: "use x"})
	require.NoError(t, err)
	assert.Equal(t, "first-turn text", out)
	assert.Equal(t, 1, m.Calls())
	assert.Empty(t, m.Requests()[0].Tools)
	assert.Empty(t, testutil.LastToolResults(m.Requests()[0]))
	assert.Empty(t, conn.Connections())
}

func TestRun_ScopedToolVisibility(t *testing.T) {
	conn := fakeServers()
	m := testutil.NewScriptedModel(
		testutil.Reply(testutil.NewResponseBuilder().Call("x", `{"q":1}`).Call("z", "{}").Build()),
		testutil.Reply(testutil.TextResponse("done")),
	)
	e := newEngine(t, m, conn)

	out, err := e.Run(context.Background(), RunRequest{Query: "q", Agent: "a", Agents: agents()})
	require.NoError(t, err)
	assert.Equal(t, "done", out)

	reqs := m.Requests()
	assert.Equal(t, []string{"x", "call_agent"}, testutil.ToolNames(reqs[0]))
	assert.Equal(t, "You are a at depth 0.", reqs[0].Instructions)
	assert.Equal(t, []string{"x ok", "Unknown tool: z"}, testutil.LastToolResults(reqs[1]))

	conns := conn.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, "s1", conns[0].Server())
	assert.Equal(t, []testutil.FakeCall{{Server: "s1", Tool: "x", Args: map[string]any{"q": float64(1)}}}, conns[0].Calls())
	assertAllClosedOnce(t, conn)
}

func TestRun_UnknownAgentAndDuplicates(t *testing.T) {
	m := testutil.NewScriptedModel()
	e := newEngine(t, m, fakeServers())

	_, err := e.Run(context.Background(), RunRequest{Query: "q", Agent: "zed", Agents: agents()})
	var cfgErr *core.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	dup := append(agents(), core.AgentDefinition{Name: "a"})
	_, err = e.Run(context.Background(), RunRequest{Query: "q", Agents: dup})
	require.ErrorAs(t, err, &cfgErr)
	assert.Zero(t, m.Calls())
}

func TestRun_SkipsFailingServers(t *testing.T) {
	conn := testutil.NewFakeConnector().
		FailConnect("s1", errors.New("spawn failed")).
		WithTools("s2", "work").
		FailList("s3", errors.New("list failed"))
	m := testutil.NewScriptedModel(testutil.Reply(testutil.TextResponse("ok")))
	e := newEngine(t, m, conn, func(o *Options) {
		o.Policies["s3"] = core.GlobalServerPolicy{Enabled: true}
	})

	defs := []core.AgentDefinition{{
		Name:           "multi",
		ServerPolicies: map[string]core.ServerScopePolicy{"s1": {}, "s2": {}, "s3": {}},
	}}
	out, err := e.Run(context.Background(), RunRequest{Query: "q", Agent: "multi", Agents: defs})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, []string{"work", "call_agent"}, testutil.ToolNames(m.Requests()[0]))

	conns := conn.Connections()
	require.Len(t, conns, 2)
	assertAllClosedOnce(t, conn)
}

func TestRun_NestedDelegation(t *testing.T) {
	conn := fakeServers()
	m := testutil.NewScriptedModel(
		// frame a
		testutil.Reply(testutil.NewResponseBuilder().Delegate("do work", "b").Build()),
		// frame b
		testutil.Reply(testutil.NewResponseBuilder().Call("work", "{}").Build()),
		testutil.Reply(testutil.TextResponse("b finished")),
		// frame a again
		testutil.Reply(testutil.TextResponse("all done")),
	)
	e := newEngine(t, m, conn, func(o *Options) { o.SystemPrompt = "default for {{.agent}}" })

	out, err := e.Run(context.Background(), RunRequest{Query: "q", Agent: "a", Agents: agents()})
	require.NoError(t, err)
	assert.Equal(t, "all done", out)

	reqs := m.Requests()
	require.Len(t, reqs, 4)
	assert.Equal(t, "do work", testutil.UserQuery(reqs[1]))
	assert.Equal(t, "default for b", reqs[1].Instructions)
	assert.Equal(t, []string{"work", "danger", "call_agent"}, testutil.ToolNames(reqs[1]))
	assert.Equal(t, []string{"call_agent completed: b\nb finished"}, testutil.LastToolResults(reqs[3]))

	conns := conn.Connections()
	require.Len(t, conns, 2)
	assert.Equal(t, "s1", conns[0].Server())
	assert.Equal(t, "s2", conns[1].Server())
	assertAllClosedOnce(t, conn)
}

func TestRun_AllowlistPrecedence(t *testing.T) {
	m := testutil.NewScriptedModel(
		testutil.Reply(testutil.NewResponseBuilder().Delegate("x", "c").Delegate("y", "b").Build()),
		testutil.Reply(testutil.TextResponse("b says hi")),
		testutil.Reply(testutil.TextResponse("end")),
	)
	e := newEngine(t, m, fakeServers())

	_, err := e.Run(context.Background(), RunRequest{Query: "q", Agent: "a", Agents: agents(), CLIAllowlist: core.NewNameSet("c")})
	require.NoError(t, err)

	reqs := m.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, []string{
		"call_agent refused: agent 'a' is not allowed to call 'c'",
		"call_agent completed: b\nb says hi",
	}, testutil.LastToolResults(reqs[2]))
}

func TestRun_UnscopedDelegation(t *testing.T) {
	conn := fakeServers()
	m := testutil.NewScriptedModel(
		testutil.Reply(testutil.NewResponseBuilder().Delegate("sub", "").Build()),
		testutil.Reply(testutil.TextResponse("sub answer")),
		testutil.Reply(testutil.TextResponse("top answer")),
	)
	e := newEngine(t, m, conn)

	out, err := e.Run(context.Background(), RunRequest{Query: "q", Agents: agents()})
	require.NoError(t, err)
	assert.Equal(t, "top answer", out)

	reqs := m.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, []string{"call_agent"}, testutil.ToolNames(reqs[1]))
	props := reqs[1].Tools[0].Function.Parameters["properties"].(map[string]any)
	assert.Equal(t, []string{"a", "b", "c"}, props["target_agent"].(map[string]any)["enum"])
	assert.Equal(t, []string{"call_agent completed: unscoped\nsub answer"}, testutil.LastToolResults(reqs[2]))
	assert.Empty(t, conn.Connections())
}

func TestRun_DepthChain(t *testing.T) {
	m := testutil.NewScriptedModel()
	m.Fallback = func(req model.Request) (model.Response, error) {
		if results := testutil.LastToolResults(req); len(results) > 0 {
			first, _, _ := strings.Cut(results[0], "\n")
			return testutil.TextResponse(first), nil
		}
		return testutil.NewResponseBuilder().Delegate("deeper", "c").Build(), nil
	}
	e := newEngine(t, m, fakeServers(), func(o *Options) { o.SystemPrompt = "depth={{.depth}}" })

	out, err := e.Run(context.Background(), RunRequest{Query: "q", Agents: agents()})
	require.NoError(t, err)
	assert.Equal(t, "call_agent completed: c", out)

	depths := map[string]int{}
	var refusal string
	for _, req := range m.Requests() {
		depths[req.Instructions]++
		for _, r := range testutil.LastToolResults(req) {
			if strings.HasPrefix(r, "call_agent refused") {
				refusal = r
			}
		}
	}
	assert.Equal(t, map[string]int{
		"depth=0": 2, "depth=1": 2, "depth=2": 2, "depth=3": 2, "depth=4": 2, "depth=5": 2,
	}, depths)
	assert.Equal(t, "call_agent refused: maximum recursion depth reached", refusal)
}

func TestRun_CleanupOnModelError(t *testing.T) {
	conn := fakeServers()
	m := testutil.NewScriptedModel(testutil.Fail(errors.New("rate limited")))
	e := newEngine(t, m, conn)

	out, err := e.Run(context.Background(), RunRequest{Query: "q", Agent: "a", Agents: agents()})
	var callErr *core.ModelCallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "model call to scripted failed: rate limited", out)
	require.Len(t, conn.Connections(), 1)
	assertAllClosedOnce(t, conn)
}

func TestRun_NestedModelErrorIsToolResult(t *testing.T) {
	conn := fakeServers()
	m := testutil.NewScriptedModel(
		testutil.Reply(testutil.NewResponseBuilder().Delegate("sub", "b").Build()),
		testutil.Fail(errors.New("overloaded")),
		testutil.Reply(testutil.TextResponse("recovered")),
	)
	e := newEngine(t, m, conn)

	out, err := e.Run(context.Background(), RunRequest{Query: "q", Agent: "a", Agents: agents()})
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, []string{"call_agent completed: b\nmodel call to scripted failed: overloaded"}, testutil.LastToolResults(m.Requests()[2]))
	assertAllClosedOnce(t, conn)
}

func TestRun_CleanupOnBudgetExhaustion(t *testing.T) {
	conn := fakeServers()
	m := testutil.NewScriptedModel()
	m.Fallback = testutil.Reply(testutil.NewResponseBuilder().Call("x", "{}").Build())
	e := newEngine(t, m, conn, func(o *Options) { o.MaxTurns = 2 })

	out, err := e.Run(context.Background(), RunRequest{Query: "q", Agent: "a", Agents: agents()})
	require.NoError(t, err)
	assert.NotEmpty(t, out)
	assert.Equal(t, 2, m.Calls())
	assertAllClosedOnce(t, conn)
}

func TestRun_Confirmation(t *testing.T) {
	script := func() *testutil.ScriptedModel {
		return testutil.NewScriptedModel(
			testutil.Reply(testutil.NewResponseBuilder().Call("danger", "{}").Build()),
			testutil.Reply(testutil.TextResponse("done")),
		)
	}
	req := RunRequest{Query: "q", Agent: "b", Agents: agents()}

	m := script()
	e := newEngine(t, m, fakeServers(), func(o *Options) { o.Confirmer = confirm.Never })
	_, err := e.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"User declined to run tool danger"}, testutil.LastToolResults(m.Requests()[1]))

	m = script()
	e = newEngine(t, m, fakeServers(), func(o *Options) { o.Confirmer = confirm.Never })
	req.SkipConfirmation = true
	_, err = e.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"danger ok"}, testutil.LastToolResults(m.Requests()[1]))
}

func TestRun_EchoOnlyTopLevel(t *testing.T) {
	script := func() *testutil.ScriptedModel {
		return testutil.NewScriptedModel(
			testutil.Reply(testutil.NewResponseBuilder().Call("x", "{}").Delegate("sub", "b").Build()),
			testutil.Reply(testutil.NewResponseBuilder().Call("work", "{}").Build()),
			testutil.Reply(testutil.TextResponse("b done\nsecond line")),
			testutil.Reply(testutil.TextResponse("end")),
		)
	}

	var echo bytes.Buffer
	e := newEngine(t, script(), fakeServers(), func(o *Options) { o.Echo = &echo })
	_, err := e.Run(context.Background(), RunRequest{Query: "q", Agent: "a", Agents: agents()})
	require.NoError(t, err)
	assert.Equal(t, "[x] x ok\n[call_agent] call_agent completed: b\n", echo.String())

	echo.Reset()
	e = newEngine(t, script(), fakeServers(), func(o *Options) { o.Echo = &echo })
	_, err = e.Run(context.Background(), RunRequest{Query: "q", Agent: "a", Agents: agents(), Quiet: true})
	require.NoError(t, err)
	assert.Empty(t, echo.String())
}

func TestVisibleTools(t *testing.T) {
	conn := fakeServers()
	e := newEngine(t, testutil.NewScriptedModel(), conn)

	tools, err := e.VisibleTools(context.Background(), RunRequest{Agent: "a", Agents: agents()})
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "x", tools[0].Name)
	assert.Equal(t, "s1", tools[0].Server)
	assertAllClosedOnce(t, conn)

	tools, err = e.VisibleTools(context.Background(), RunRequest{Agents: agents()})
	require.NoError(t, err)
	assert.Empty(t, tools)
}

func TestListTools_WithoutModel(t *testing.T) {
	conn := fakeServers()
	tools, err := ListTools(context.Background(), RunRequest{Agent: "b", Agents: agents()}, func(o *Options) {
		o.Connector = conn
		o.Policies = map[string]core.GlobalServerPolicy{
			"s2":  {Enabled: true},
			"off": {Enabled: false},
		}
	})
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "work", tools[0].Name)
	assert.Equal(t, "danger", tools[1].Name)
	assertAllClosedOnce(t, conn)

	_, err = ListTools(context.Background(), RunRequest{Agent: "zed", Agents: agents()})
	var cfgErr *core.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestRun_RunIDOnEveryFrame(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")
	m := testutil.NewScriptedModel(
		testutil.Reply(testutil.NewResponseBuilder().Delegate("sub", "b").Build()),
		testutil.Reply(testutil.TextResponse("b done")),
		testutil.Reply(testutil.TextResponse("end")),
	)
	e := newEngine(t, m, fakeServers(), func(o *Options) { o.Tracer = tracer })

	_, err := e.Run(context.Background(), RunRequest{Query: "q", Agent: "a", Agents: agents(), RunID: "run-1"})
	require.NoError(t, err)

	var invokes int
	for _, span := range recorder.Ended() {
		if span.Name() != "agentrelay.invoke" {
			continue
		}
		invokes++
		assert.Contains(t, span.Attributes(), attribute.String("run.id", "run-1"))
	}
	assert.Equal(t, 2, invokes)
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "first", summarize("first\nsecond"))
	long := strings.Repeat("é", maxEchoLen+5)
	assert.Equal(t, strings.Repeat("é", maxEchoLen)+"...", summarize(long))
}
