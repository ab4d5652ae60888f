package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	runsURI      = "kansoku://runs/current"
	selectionURI = "kansoku://selection/current"
)

func (s *Server) registerResources() {
	// kansoku://runs/current: the full synchronizer snapshot.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			runsURI,
			"Current Runs",
			mcplib.WithResourceDescription("Run list of the monitored project with refresh status"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRunsCurrent,
	)

	// kansoku://selection/current: what the dashboard is showing.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			selectionURI,
			"Selected Run",
			mcplib.WithResourceDescription("The run selected in the dashboard with its summary and charts"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleSelectionCurrent,
	)
}

func (s *Server) handleRunsCurrent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonResource(runsURI, s.monitor.Runs())
}

func (s *Server) handleSelectionCurrent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonResource(selectionURI, s.monitor.Selection())
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
