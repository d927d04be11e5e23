package connector

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/tool"
)

// Static serves in-process tools as if they came from a remote server, so
// local tools go through the same policy and cleanup path.
type Static struct {
	tools []tool.Tool
}

// NewStatic creates a static server exposing tools.
func NewStatic(tools ...tool.Tool) *Static {
	return &Static{tools: tools}
}

// Connect implements Connector. cfg is ignored.
func (s *Static) Connect(_ context.Context, server string, _ ServerConfig) (Connection, error) {
	return &staticConn{server: server, registry: tool.NewRegistry(s.tools...)}, nil
}

type staticConn struct {
	server   string
	registry *tool.Registry
	closed   atomic.Bool
}

func (c *staticConn) Server() string { return c.server }

func (c *staticConn) ListTools(context.Context) ([]core.ToolDescriptor, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("connection closed")
	}
	tools := c.registry.Tools()
	out := make([]core.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		out = append(out, core.ToolDescriptor{
			Server:      c.server,
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return out, nil
}

func (c *staticConn) CallTool(ctx context.Context, name string, args any) (string, error) {
	if c.closed.Load() {
		return "", fmt.Errorf("connection closed")
	}
	t, ok := c.registry.Lookup(name)
	if !ok {
		return "", fmt.Errorf("tool %s not found on server %s", name, c.server)
	}
	return t.Call(ctx, args)
}

func (c *staticConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("connection already closed")
	}
	return nil
}
