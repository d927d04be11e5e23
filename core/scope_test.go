package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNameSet(t *testing.T) {
	s := NewNameSet("a", "", "b", "a")
	assert.Equal(t, NameSet{"a", "b"}, s)
	assert.True(t, s.Has("b"))
	assert.False(t, s.Has("c"))

	u := s.Union(NameSet{"c", "a"})
	assert.Equal(t, NameSet{"a", "b", "c"}, u)
	assert.Equal(t, NameSet{"a", "b"}, s, "union must not mutate receiver")

	var nilSet NameSet
	assert.Nil(t, nilSet.Clone())
	assert.NotNil(t, NewNameSet())
}

func TestAgentDefinition_CloneIsDeep(t *testing.T) {
	orig := AgentDefinition{
		Name:           "a",
		AllowedCallees: NameSet{"b"},
		ServerPolicies: map[string]ServerScopePolicy{"s1": {IncludeTools: NameSet{"x"}}},
	}
	cp := orig.Clone()
	cp.AllowedCallees[0] = "z"
	cp.ServerPolicies["s1"].IncludeTools[0] = "y"
	cp.ServerPolicies["s2"] = ServerScopePolicy{}

	assert.Equal(t, NameSet{"b"}, orig.AllowedCallees)
	assert.Equal(t, NameSet{"x"}, orig.ServerPolicies["s1"].IncludeTools)
	assert.Len(t, orig.ServerPolicies, 1)
}

func TestAgentDefinition_HasCalleeRestriction(t *testing.T) {
	var nilAgent *AgentDefinition
	assert.False(t, nilAgent.HasCalleeRestriction())
	assert.False(t, (&AgentDefinition{}).HasCalleeRestriction())
	assert.True(t, (&AgentDefinition{AllowedCallees: NameSet{}}).HasCalleeRestriction())
}

func TestScopeContext_Child(t *testing.T) {
	parent := ScopeContext{Depth: 2, CLIAllowlist: NameSet{"b"}, VisibleCallees: NameSet{"b"}}
	target := &AgentDefinition{Name: "b"}

	child := parent.Child(target, NameSet{"c"})

	assert.Equal(t, 3, child.Depth)
	assert.Equal(t, "b", child.AgentName())
	assert.Equal(t, NameSet{"c"}, child.VisibleCallees)
	assert.Equal(t, NameSet{"b"}, child.CLIAllowlist)
	assert.Equal(t, 2, parent.Depth)
	assert.Equal(t, "", parent.AgentName())
}

func TestTurnBudget(t *testing.T) {
	b := NewTurnBudget(2)
	require.NoError(t, b.Take())
	require.NoError(t, b.Take())
	assert.Error(t, b.Take())
	assert.Equal(t, 2, b.Used())
	assert.Equal(t, 0, b.Remaining())

	assert.Equal(t, MaxTurns, NewTurnBudget(0).Remaining())
}

func TestContentHelpers(t *testing.T) {
	c := Content{Role: RoleAssistant, Parts: []Part{
		TextPart{Text: "hello "},
		FunctionCallPart{FunctionCall: FunctionCall{ID: "1", Name: "x"}},
		TextPart{Text: "world"},
	}}
	assert.Equal(t, "hello world", c.Text())
	require.Len(t, c.FunctionCalls(), 1)

	res := NewToolResult(FunctionCall{ID: "1", Name: "x"}, "ok")
	assert.Equal(t, RoleTool, res.Role)
	fr := res.Parts[0].(FunctionResponsePart).FunctionResponse
	assert.Equal(t, "1", fr.ID)
	assert.Equal(t, "ok", fr.Content)
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("boom")
	var err error = &ModelCallError{Model: "m", Err: cause}
	assert.ErrorIs(t, err, cause)

	var mce *ModelCallError
	assert.True(t, errors.As(err, &mce))
	assert.Equal(t, "model call to m failed: boom", err.Error())

	assert.Equal(t, "Tool t failed: boom", (&ToolExecutionError{Tool: "t", Err: cause}).Error())
	assert.Contains(t, NewConfigurationError("no model %q", "x").Error(), `no model "x"`)
	assert.ErrorIs(t, &ConnectionError{Server: "s", Err: cause}, cause)
}
