package tool

import (
	"context"

	"github.com/hupe1980/agentrelay/core"
)

// Caller executes a named tool on the server that advertised it.
// connector.Connection satisfies it.
type Caller interface {
	CallTool(ctx context.Context, name string, args any) (string, error)
}

// RemoteTool is a Tool advertised by a server. It keeps a back-reference to
// the owning connection but does not own it; closing is the frame's job.
type RemoteTool struct {
	desc  core.ToolDescriptor
	owner Caller
}

// NewRemoteTool binds a descriptor to the connection that advertised it.
func NewRemoteTool(desc core.ToolDescriptor, owner Caller) *RemoteTool {
	return &RemoteTool{desc: desc, owner: owner}
}

// Name returns the tool name.
func (t *RemoteTool) Name() string { return t.desc.Name }

// Description returns the server provided description.
func (t *RemoteTool) Description() string { return t.desc.Description }

// Parameters returns the server provided schema unmodified.
func (t *RemoteTool) Parameters() map[string]any { return t.desc.Parameters }

// Server returns the name of the owning server.
func (t *RemoteTool) Server() string { return t.desc.Server }

// Descriptor returns the underlying descriptor.
func (t *RemoteTool) Descriptor() core.ToolDescriptor { return t.desc }

// Call forwards the invocation to the owning connection.
func (t *RemoteTool) Call(ctx context.Context, args any) (string, error) {
	return t.owner.CallTool(ctx, t.desc.Name, args)
}
