package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// routeOutputArgs is the route_output tool's input schema.
type routeOutputArgs struct {
	Channel string `json:"channel" jsonschema:"the named output channel to route content to"`
	Content string `json:"content" jsonschema:"the content to route"`
}

// NewServer builds the stdio MCP server exposing the single route_output
// tool (spec §4.13). Content is routed through manager, which returns a
// structured tool error (never a transport-level failure) for an unknown
// or not-yet-ready channel.
func NewServer(manager *Manager) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "agentmux", Version: "1.0.0"}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "route_output",
		Description: "Route content to a named output channel in the runtime directory.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args routeOutputArgs) (*mcp.CallToolResult, any, error) {
		if err := manager.RouteOutput(args.Channel, args.Content); err != nil {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
			}, nil, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("routed to %s", args.Channel)}},
		}, nil, nil
	})

	return server
}

// Run serves the MCP stdio transport until ctx is cancelled or the
// transport's stdin is closed.
func Run(ctx context.Context, manager *Manager) error {
	server := NewServer(manager)
	return server.Run(ctx, &mcp.StdioTransport{})
}
