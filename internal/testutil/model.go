package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/model"
)

// Step produces the response to one model request.
type Step func(req model.Request) (model.Response, error)

// Reply returns a step answering with resp.
func Reply(resp model.Response) Step {
	return func(model.Request) (model.Response, error) { return resp, nil }
}

// Fail returns a step failing with err.
func Fail(err error) Step {
	return func(model.Request) (model.Response, error) { return model.Response{}, err }
}

// ScriptedModel answers requests with a fixed sequence of steps shared by
// every frame that uses it, and records each request. Once the script is
// used up, Fallback (or a plain "done" answer) is returned.
type ScriptedModel struct {
	Name     string
	Fallback Step

	mu       sync.Mutex
	steps    []Step
	requests []model.Request
}

// NewScriptedModel creates a model answering with steps in order.
func NewScriptedModel(steps ...Step) *ScriptedModel {
	return &ScriptedModel{Name: "scripted", steps: steps}
}

// Generate implements model.Model.
func (m *ScriptedModel) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	if err := ctx.Err(); err != nil {
		return model.Response{}, err
	}

	m.mu.Lock()
	idx := len(m.requests)
	m.requests = append(m.requests, req)
	var step Step
	if idx < len(m.steps) {
		step = m.steps[idx]
	} else {
		step = m.Fallback
	}
	m.mu.Unlock()

	if step == nil {
		return TextResponse("done"), nil
	}
	return step(req)
}

// Info implements model.Model.
func (m *ScriptedModel) Info() model.Info {
	return model.Info{Name: m.Name, Provider: "test", SupportsTools: true}
}

// Requests returns the recorded requests.
func (m *ScriptedModel) Requests() []model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Request(nil), m.requests...)
}

// Calls returns the number of Generate calls.
func (m *ScriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// ToolNames returns the names of the tools offered in req.
func ToolNames(req model.Request) []string {
	names := make([]string, 0, len(req.Tools))
	for _, t := range req.Tools {
		names = append(names, t.Function.Name)
	}
	return names
}

// LastToolResults returns the tool-result texts appended after the last
// assistant message of req, in order.
func LastToolResults(req model.Request) []string {
	var out []string
	for i := len(req.Contents) - 1; i >= 0; i-- {
		c := req.Contents[i]
		if c.Role != core.RoleTool {
			break
		}
		for _, p := range c.Parts {
			if fr, ok := p.(core.FunctionResponsePart); ok {
				out = append([]string{fr.FunctionResponse.Content}, out...)
			}
		}
	}
	return out
}

// UserQuery returns the first user message of req.
func UserQuery(req model.Request) string {
	for _, c := range req.Contents {
		if c.Role == core.RoleUser {
			return c.Text()
		}
	}
	return ""
}

// ErrScriptFailed is a convenience error for failing steps.
var ErrScriptFailed = errors.New("scripted failure")
