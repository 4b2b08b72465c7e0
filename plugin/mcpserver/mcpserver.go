// Package mcpserver exposes an assistant's tool registry over the Model
// Context Protocol, so external MCP clients can call the same tools the
// model does.
package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loomworks/loom/assistant"
)

// New builds an MCP server advertising every registered tool with its
// original argument schema.
func New(name, version string, registry *assistant.Registry) *server.MCPServer {
	s := server.NewMCPServer(name, version)
	for _, t := range registry.Tools() {
		schema := t.Schema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		raw, err := json.Marshal(schema)
		if err != nil {
			continue
		}
		s.AddTool(mcp.NewToolWithRawSchema(t.Name, t.Description, raw), handler(t))
	}
	return s
}

func handler(t *assistant.Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := json.Marshal(req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result, err := t.Invoke(ctx, string(raw))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if s, ok := result.(string); ok {
			return mcp.NewToolResultText(s), nil
		}
		payload, err := json.Marshal(result)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(payload)), nil
	}
}

// ServeStdio blocks serving the MCP protocol on stdin/stdout.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}
