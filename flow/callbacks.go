package flow

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/model"
)

// CallbackType defines the lifecycle points of a tool loop where callbacks run.
type CallbackType string

const (
	// CallbackBeforeModel runs before each model request.
	CallbackBeforeModel CallbackType = "before_model"

	// CallbackAfterModel runs after each successful model response.
	CallbackAfterModel CallbackType = "after_model"

	// CallbackBeforeTool runs before a tool call is dispatched, including
	// delegations and calls that end up refused.
	CallbackBeforeTool CallbackType = "before_tool"

	// CallbackAfterTool runs once the tool-result text for a call is known.
	CallbackAfterTool CallbackType = "after_tool"
)

// CallbackContext carries the frame state visible to a callback. Only the
// fields relevant to CallbackType are populated.
type CallbackContext struct {
	CallbackType CallbackType

	// Scope is the frame's scope. Callbacks must not modify it.
	Scope core.ScopeContext

	// Turn is the 1-based model turn within the frame.
	Turn int

	Request  *model.Request
	Response *model.Response

	Call   *core.FunctionCall
	Result string

	// Metadata provides extensible storage for custom callback data.
	Metadata map[string]any
}

// Callback observes tool loop execution.
//
// Callbacks run synchronously on the loop's goroutine, so they should be fast.
// A returned error is logged by the loop; it never interrupts the frame.
type Callback interface {
	Type() CallbackType
	Execute(ctx context.Context, cbCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a callback implementation.
//
// Example:
//
//	echo := NewFunctionCallback(CallbackAfterTool,
//	    func(ctx context.Context, cbCtx *CallbackContext) error {
//	        fmt.Println(cbCtx.Call.Name, "->", cbCtx.Result)
//	        return nil
//	    },
//	)
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, cbCtx *CallbackContext) error
}

// NewFunctionCallback creates a new function-based callback.
func NewFunctionCallback(callbackType CallbackType, fn func(ctx context.Context, cbCtx *CallbackContext) error) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType { return c.callbackType }

// Execute calls the wrapped function with the provided context.
func (c *FunctionCallback) Execute(ctx context.Context, cbCtx *CallbackContext) error {
	return c.fn(ctx, cbCtx)
}

// CallbackManager routes lifecycle events to registered callbacks.
//
// Registration is not synchronized; register everything before the manager
// is handed to a frame.
type CallbackManager struct {
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty manager, optionally pre-populated.
func NewCallbackManager(callbacks ...Callback) *CallbackManager {
	cm := &CallbackManager{callbacks: make(map[CallbackType][]Callback)}
	for _, cb := range callbacks {
		cm.RegisterCallback(cb)
	}
	return cm
}

// RegisterCallback adds a callback. Callbacks of one type run in registration order.
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// Len returns the number of registered callbacks.
func (cm *CallbackManager) Len() int {
	if cm == nil {
		return 0
	}
	n := 0
	for _, cbs := range cm.callbacks {
		n += len(cbs)
	}
	return n
}

// ExecuteCallbacks runs every callback registered for callbackType. All of
// them run; the first error is returned.
func (cm *CallbackManager) ExecuteCallbacks(ctx context.Context, callbackType CallbackType, cbCtx *CallbackContext) (err error) {
	if cm == nil {
		return nil
	}
	for _, callback := range cm.callbacks[callbackType] {
		if cbErr := runCallback(ctx, callback, cbCtx); cbErr != nil && err == nil {
			err = cbErr
		}
	}
	return err
}

func runCallback(ctx context.Context, callback Callback, cbCtx *CallbackContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback %s panicked: %v", callback.Type(), r)
		}
	}()
	return callback.Execute(ctx, cbCtx)
}

// LoggingCallback forwards a one-line summary of each event to a log function.
type LoggingCallback struct {
	callbackType CallbackType
	logger       func(message string)
}

// NewLoggingCallback creates a new logging callback.
func NewLoggingCallback(callbackType CallbackType, logger func(message string)) *LoggingCallback {
	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logger,
	}
}

// Type returns the callback type this logger handles.
func (c *LoggingCallback) Type() CallbackType { return c.callbackType }

// Execute logs the event.
func (c *LoggingCallback) Execute(_ context.Context, cbCtx *CallbackContext) error {
	if c.logger == nil {
		return nil
	}
	agent := cbCtx.Scope.AgentName()
	if agent == "" {
		agent = "-"
	}
	message := fmt.Sprintf("[%s] agent=%s depth=%d turn=%d", c.callbackType, agent, cbCtx.Scope.Depth, cbCtx.Turn)
	if cbCtx.Call != nil {
		message += " tool=" + cbCtx.Call.Name
	}
	c.logger(message)
	return nil
}
