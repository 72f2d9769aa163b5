// SPDX-License-Identifier: Apache-2.0
package observer

import (
	"context"
	"encoding/json"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer exposes the observer's query intents as MCP tools so an
// agent runtime can interrogate its own health.
func NewMCPServer(o *Observer, name, version string) *server.MCPServer {
	srv := server.NewMCPServer(name, version)

	tools := []struct {
		intent      string
		description string
	}{
		{IntentHealthCheck, "Current health status with the latest metrics snapshot"},
		{IntentHealthReport, "Today's daily health report, falling back to yesterday's"},
		{IntentSystemStatus, "The most recent raw metrics snapshot"},
	}
	for _, tool := range tools {
		intent := tool.intent
		srv.AddTool(
			mcpgo.NewTool(intent, mcpgo.WithDescription(tool.description)),
			func(ctx context.Context, request mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
				payload, err := o.Handle(ctx, intent)
				if err != nil {
					return mcpgo.NewToolResultError(err.Error()), nil
				}
				encoded, err := json.Marshal(payload)
				if err != nil {
					return mcpgo.NewToolResultError(err.Error()), nil
				}
				return mcpgo.NewToolResultText(string(encoded)), nil
			},
		)
	}
	return srv
}

// ServeMCPStdio blocks serving the observer tools over stdio.
func ServeMCPStdio(srv *server.MCPServer) error {
	return server.ServeStdio(srv)
}
