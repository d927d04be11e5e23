package testutil

import (
	"encoding/json"
	"fmt"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/model"
)

// ResponseBuilder provides a fluent helper for constructing model responses.
// Example:
//
//	resp := NewResponseBuilder().Text("checking").Call("lookup", `{"q":"x"}`).Build()
//
// The finish reason is derived from the parts unless set explicitly.
type ResponseBuilder struct {
	id     string
	parts  []core.Part
	finish string
	calls  int
}

// NewResponseBuilder creates an empty builder.
func NewResponseBuilder() *ResponseBuilder { return &ResponseBuilder{} }

// ID sets the response id (chainable).
func (b *ResponseBuilder) ID(id string) *ResponseBuilder { b.id = id; return b }

// Text appends a text part (chainable).
func (b *ResponseBuilder) Text(s string) *ResponseBuilder {
	b.parts = append(b.parts, core.TextPart{Text: s})
	return b
}

// Call appends a function call with a generated call id (chainable).
func (b *ResponseBuilder) Call(name, args string) *ResponseBuilder {
	b.calls++
	return b.CallWithID(fmt.Sprintf("call_%d", b.calls), name, args)
}

// CallWithID appends a function call with an explicit id (chainable).
func (b *ResponseBuilder) CallWithID(id, name, args string) *ResponseBuilder {
	b.parts = append(b.parts, core.FunctionCallPart{FunctionCall: core.FunctionCall{ID: id, Name: name, Arguments: args}})
	return b
}

// Delegate appends a call_agent call (chainable). An empty target omits the field.
func (b *ResponseBuilder) Delegate(query, target string) *ResponseBuilder {
	args := map[string]any{"query": query}
	if target != "" {
		args["target_agent"] = target
	}
	raw, _ := json.Marshal(args)
	return b.Call("call_agent", string(raw))
}

// Finish overrides the finish reason (chainable).
func (b *ResponseBuilder) Finish(reason string) *ResponseBuilder { b.finish = reason; return b }

// Build returns the response.
func (b *ResponseBuilder) Build() model.Response {
	content := core.Content{Role: core.RoleAssistant, Parts: append([]core.Part(nil), b.parts...)}

	finish := b.finish
	if finish == "" {
		finish = model.FinishStop
		if len(content.FunctionCalls()) > 0 {
			finish = model.FinishToolCalls
		}
	}

	return model.Response{ID: b.id, Content: content, FinishReason: finish}
}

// TextResponse is shorthand for a final text answer.
func TextResponse(s string) model.Response {
	return NewResponseBuilder().Text(s).Build()
}
