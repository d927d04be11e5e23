package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// MCPOptions configures the MCP connector.
type MCPOptions struct {
	ClientName    string
	ClientVersion string
	Logger        logging.Logger
}

// MCPConnector connects to Model Context Protocol servers over stdio
// (process spawn), SSE (event stream) or streamable HTTP.
type MCPConnector struct {
	opts MCPOptions
}

// NewMCPConnector creates an MCP connector.
func NewMCPConnector(optFns ...func(o *MCPOptions)) *MCPConnector {
	opts := MCPOptions{
		ClientName:    "agentrelay",
		ClientVersion: "0.1.0",
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &MCPConnector{opts: opts}
}

// Connect opens the transport, performs the initialize handshake and returns
// the session. Any failure is reported as *core.ConnectionError.
func (m *MCPConnector) Connect(ctx context.Context, server string, cfg ServerConfig) (Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &core.ConnectionError{Server: server, Err: err}
	}

	c, err := m.newClient(ctx, cfg)
	if err != nil {
		return nil, &core.ConnectionError{Server: server, Err: err}
	}

	conn, err := m.initialize(ctx, server, c)
	if err != nil {
		return nil, &core.ConnectionError{Server: server, Err: err}
	}

	m.opts.Logger.Debug("connector.connected", "server", server, "transport", string(cfg.Transport))
	return conn, nil
}

func (m *MCPConnector) newClient(ctx context.Context, cfg ServerConfig) (*client.Client, error) {
	switch cfg.Transport {
	case TransportStdio, "":
		// Stdio clients start their subprocess on construction.
		return client.NewStdioMCPClient(cfg.Command, envList(cfg.Env), cfg.Args...)
	case TransportSSE:
		c, err := client.NewSSEMCPClient(cfg.URL, transport.WithHeaders(cfg.Headers))
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
		return c, nil
	case TransportHTTP:
		c, err := client.NewStreamableHttpClient(cfg.URL, transport.WithHTTPHeaders(cfg.Headers))
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func (m *MCPConnector) initialize(ctx context.Context, server string, c *client.Client) (*mcpConn, error) {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: m.opts.ClientName, Version: m.opts.ClientVersion}

	if _, err := c.Initialize(ctx, req); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return &mcpConn{server: server, client: c}, nil
}

// envList renders env as sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

type mcpConn struct {
	server string
	client *client.Client
}

func (c *mcpConn) Server() string { return c.server }

func (c *mcpConn) ListTools(ctx context.Context) ([]core.ToolDescriptor, error) {
	res, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, &core.ConnectionError{Server: c.server, Err: fmt.Errorf("list tools: %w", err)}
	}

	out := make([]core.ToolDescriptor, 0, len(res.Tools))
	for _, t := range res.Tools {
		out = append(out, core.ToolDescriptor{
			Server:      c.server,
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaOf(t),
		})
	}
	return out, nil
}

// schemaOf returns the tool's input schema as an opaque map. A raw schema is
// preferred when the server sent one.
func schemaOf(t mcp.Tool) map[string]any {
	var raw []byte
	if len(t.RawInputSchema) > 0 {
		raw = t.RawInputSchema
	} else {
		b, err := json.Marshal(t.InputSchema)
		if err != nil {
			return map[string]any{"type": "object"}
		}
		raw = b
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil || schema == nil {
		return map[string]any{"type": "object"}
	}
	return schema
}

func (c *mcpConn) CallTool(ctx context.Context, name string, args any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := c.client.CallTool(ctx, req)
	if err != nil {
		return "", err
	}

	text := renderContent(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", errors.New(text)
	}
	return text, nil
}

// renderContent joins text blocks and JSON encodes everything else.
func renderContent(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, item := range content {
		switch v := item.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			b, err := json.Marshal(v)
			if err != nil {
				parts = append(parts, fmt.Sprintf("%v", v))
				continue
			}
			parts = append(parts, string(b))
		}
	}
	return strings.Join(parts, "\n")
}

func (c *mcpConn) Close() error {
	return c.client.Close()
}
