// Package mcp implements the Model Context Protocol server for kansoku.
//
// The MCP server exposes the monitored project read-only: agents can list
// runs, read the current selection, and pull per-metric statistics for any
// run without disturbing what the dashboard has selected.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kansoku/internal/service/history"
	"github.com/ashita-ai/kansoku/internal/service/monitor"
	"github.com/ashita-ai/kansoku/internal/service/runs"
)

// Monitor is the read side of *monitor.Monitor used by the tools.
type Monitor interface {
	Runs() runs.Snapshot
	Selection() monitor.Selection
	RunCharts(ctx context.Context, runID string) ([]history.Chart, error)
}

// Server wraps the MCP server with kansoku's monitor.
type Server struct {
	mcpServer *mcpserver.MCPServer
	monitor   Monitor
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(mon Monitor, logger *slog.Logger, version string) *Server {
	s := &Server{
		monitor: mon,
		logger:  logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kansoku",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result: " + err.Error()), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
