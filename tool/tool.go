// Package tool implements the tool calling subsystem: the Tool interface
// exposed to the model, local function tools with schema validated arguments,
// remote tools backed by a server connection and the per-frame Registry.
package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hupe1980/agentrelay/internal/util"
)

// Tool is a callable capability exposed to the model.
//
// Arguments arrive best-effort decoded: a JSON object becomes map[string]any,
// any other valid JSON value its decoded form, and invalid JSON the raw string.
// Implementations decide how strict to be about the shape they accept.
type Tool interface {
	// Name returns the identifier the model uses to request the tool.
	Name() string

	// Description is shown to the model to explain when to use the tool.
	Description() string

	// Parameters returns the JSON schema of the arguments. It is forwarded
	// to the model as-is.
	Parameters() map[string]any

	// Call executes the tool and returns its rendered textual output.
	Call(ctx context.Context, args any) (string, error)
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// Error codes carried by ToolError.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
)

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}

// ParseArguments decodes a raw argument payload. Empty input yields an empty
// object; input that is not valid JSON is returned unchanged as a string.
func ParseArguments(raw string) any {
	if raw == "" {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

// RenderResult turns a tool return value into the text handed to the model.
// Strings pass through; everything else is JSON encoded.
func RenderResult(v any) string {
	switch r := v.(type) {
	case nil:
		return ""
	case string:
		return r
	case []byte:
		return string(r)
	case fmt.Stringer:
		return r.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
