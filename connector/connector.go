// Package connector opens connections to tool-providing servers. A
// Connection lists the server's tools, executes them and is closed by the
// frame that opened it, exactly once, on every exit path.
package connector

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentrelay/core"
)

// Transport selects how a server is reached.
type Transport string

const (
	// TransportStdio spawns the server as a subprocess speaking over stdin/stdout.
	TransportStdio Transport = "stdio"
	// TransportSSE connects to a server-sent events endpoint.
	TransportSSE Transport = "sse"
	// TransportHTTP connects to a streamable HTTP endpoint.
	TransportHTTP Transport = "http"
)

// ServerConfig describes how to reach one server.
type ServerConfig struct {
	Transport Transport
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
	Headers   map[string]string
}

// Validate checks that the fields required by the transport are present.
func (c ServerConfig) Validate() error {
	switch c.Transport {
	case TransportStdio, "":
		if c.Command == "" {
			return fmt.Errorf("stdio transport requires a command")
		}
	case TransportSSE, TransportHTTP:
		if c.URL == "" {
			return fmt.Errorf("%s transport requires a url", c.Transport)
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	return nil
}

// Connector opens connections to named servers.
type Connector interface {
	Connect(ctx context.Context, server string, cfg ServerConfig) (Connection, error)
}

// Connection is an open session with one server.
type Connection interface {
	// Server returns the name the connection was opened under.
	Server() string
	// ListTools returns the tools the server currently advertises.
	ListTools(ctx context.Context) ([]core.ToolDescriptor, error)
	// CallTool executes name with args and returns the rendered output.
	CallTool(ctx context.Context, name string, args any) (string, error)
	// Close releases the underlying transport.
	Close() error
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context, server string, cfg ServerConfig) (Connection, error)

// Connect implements Connector.
func (f ConnectorFunc) Connect(ctx context.Context, server string, cfg ServerConfig) (Connection, error) {
	return f(ctx, server, cfg)
}

// Router dispatches Connect by server name, falling back to a default
// connector for unregistered names.
type Router struct {
	routes   map[string]Connector
	fallback Connector
}

// NewRouter creates a router with the given fallback (may be nil).
func NewRouter(fallback Connector) *Router {
	return &Router{routes: map[string]Connector{}, fallback: fallback}
}

// Handle routes server to c.
func (r *Router) Handle(server string, c Connector) {
	r.routes[server] = c
}

// Connect implements Connector.
func (r *Router) Connect(ctx context.Context, server string, cfg ServerConfig) (Connection, error) {
	if c, ok := r.routes[server]; ok {
		return c.Connect(ctx, server, cfg)
	}
	if r.fallback == nil {
		return nil, &core.ConnectionError{Server: server, Err: fmt.Errorf("no connector for server")}
	}
	return r.fallback.Connect(ctx, server, cfg)
}
