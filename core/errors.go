package core

import "fmt"

// ConfigurationError reports missing credentials, models or invalid settings.
// It aborts a run before any conversation starts.
type ConfigurationError struct {
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Err)
	}
	return "configuration error: " + e.Message
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError builds a ConfigurationError with a formatted message.
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// ConnectionError reports a tool server that failed to connect or list tools.
// The server is skipped and the run continues.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to server %q failed: %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ModelCallError reports a failed model provider call. It ends the current
// invocation; its text becomes the invocation result.
type ModelCallError struct {
	Model string
	Err   error
}

func (e *ModelCallError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("model call to %s failed: %v", e.Model, e.Err)
	}
	return fmt.Sprintf("model call failed: %v", e.Err)
}

func (e *ModelCallError) Unwrap() error { return e.Err }

// ToolExecutionError reports a failed tool invocation. It is recoverable and
// surfaces as a tool-result message.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("Tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// ViolationKind classifies a PolicyViolation.
type ViolationKind string

const (
	UnknownAgent      ViolationKind = "unknown_agent"
	DelegationRefused ViolationKind = "delegation_refused"
	DepthExceeded     ViolationKind = "depth_exceeded"
)

// PolicyViolation is a refused delegation. Message is the exact text handed
// back to the model as the tool result.
type PolicyViolation struct {
	Kind    ViolationKind
	Target  string
	Message string
}

func (e *PolicyViolation) Error() string { return e.Message }
