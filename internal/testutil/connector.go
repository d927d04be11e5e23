package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agentrelay/connector"
	"github.com/hupe1980/agentrelay/core"
)

// ToolHandler answers a call on a fake server.
type ToolHandler func(ctx context.Context, args any) (string, error)

// FakeCall records one CallTool invocation.
type FakeCall struct {
	Server string
	Tool   string
	Args   any
}

type fakeServer struct {
	tools      []core.ToolDescriptor
	handlers   map[string]ToolHandler
	connectErr error
	listErr    error
}

// FakeConnector is an in-memory connector.Connector. Every Connect returns a
// fresh FakeConnection that counts its Close calls.
type FakeConnector struct {
	mu      sync.Mutex
	servers map[string]*fakeServer
	conns   []*FakeConnection
}

// NewFakeConnector creates a connector without servers.
func NewFakeConnector() *FakeConnector {
	return &FakeConnector{servers: map[string]*fakeServer{}}
}

func (c *FakeConnector) server(name string) *fakeServer {
	s, ok := c.servers[name]
	if !ok {
		s = &fakeServer{handlers: map[string]ToolHandler{}}
		c.servers[name] = s
	}
	return s
}

// WithTools registers tools by name on server (chainable). Calls answer
// "<tool> ok" unless a handler is set.
func (c *FakeConnector) WithTools(server string, names ...string) *FakeConnector {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.server(server)
	for _, n := range names {
		s.tools = append(s.tools, core.ToolDescriptor{
			Server:      server,
			Name:        n,
			Description: n + " tool",
			Parameters:  map[string]any{"type": "object"},
		})
	}
	return c
}

// WithHandler sets the handler of tool on server (chainable).
func (c *FakeConnector) WithHandler(server, tool string, h ToolHandler) *FakeConnector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.server(server).handlers[tool] = h
	return c
}

// FailConnect makes Connect to server fail (chainable).
func (c *FakeConnector) FailConnect(server string, err error) *FakeConnector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.server(server).connectErr = err
	return c
}

// FailList makes ListTools on server fail (chainable).
func (c *FakeConnector) FailList(server string, err error) *FakeConnector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.server(server).listErr = err
	return c
}

// Connect implements connector.Connector.
func (c *FakeConnector) Connect(_ context.Context, server string, _ connector.ServerConfig) (connector.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.servers[server]
	if !ok {
		return nil, &core.ConnectionError{Server: server, Err: fmt.Errorf("no such server")}
	}
	if s.connectErr != nil {
		return nil, &core.ConnectionError{Server: server, Err: s.connectErr}
	}

	conn := &FakeConnection{server: server, def: s}
	c.conns = append(c.conns, conn)
	return conn, nil
}

// Connections returns every connection opened so far.
func (c *FakeConnector) Connections() []*FakeConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*FakeConnection(nil), c.conns...)
}

// FakeConnection is the connection returned by FakeConnector.
type FakeConnection struct {
	server string
	def    *fakeServer

	mu     sync.Mutex
	closes int
	calls  []FakeCall
}

// Server implements connector.Connection.
func (f *FakeConnection) Server() string { return f.server }

// ListTools implements connector.Connection.
func (f *FakeConnection) ListTools(context.Context) ([]core.ToolDescriptor, error) {
	if f.def.listErr != nil {
		return nil, &core.ConnectionError{Server: f.server, Err: f.def.listErr}
	}
	return append([]core.ToolDescriptor(nil), f.def.tools...), nil
}

// CallTool implements connector.Connection.
func (f *FakeConnection) CallTool(ctx context.Context, name string, args any) (string, error) {
	f.mu.Lock()
	closed := f.closes > 0
	f.calls = append(f.calls, FakeCall{Server: f.server, Tool: name, Args: args})
	f.mu.Unlock()

	if closed {
		return "", fmt.Errorf("connection to %s is closed", f.server)
	}
	if h, ok := f.def.handlers[name]; ok {
		return h(ctx, args)
	}
	return name + " ok", nil
}

// Close implements connector.Connection.
func (f *FakeConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

// Closes returns how often Close was called.
func (f *FakeConnection) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// Calls returns the recorded tool calls.
func (f *FakeConnection) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeCall(nil), f.calls...)
}
