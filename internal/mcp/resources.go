package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	uriPlaces     = "machi://town/places"
	uriSnapshot   = "machi://town/snapshot"
	agentURIStart = "machi://agent/"
)

func (s *Server) registerResources() {
	// machi://town/places — the town's locations.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriPlaces,
			"Places",
			mcplib.WithResourceDescription("Every place a resident can be"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePlaces,
	)

	// machi://town/snapshot — the full consistent state.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriSnapshot,
			"Town Snapshot",
			mcplib.WithResourceDescription("A consistent copy of every agent and relationship"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleSnapshot,
	)

	// machi://agent/{name} — one resident.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			agentURIStart+"{name}",
			"Agent",
			mcplib.WithTemplateDescription("One resident's current record"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleAgentResource,
	)
}

func textResource(uri string, v any) ([]mcplib.ResourceContents, error) {
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

func (s *Server) handlePlaces(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return textResource(uriPlaces, s.town.Places())
}

func (s *Server) handleSnapshot(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	snap, err := s.town.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: snapshot: %w", err)
	}
	return textResource(uriSnapshot, snap)
}

func (s *Server) handleAgentResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	name, err := parseAgentURI(uri)
	if err != nil {
		return nil, err
	}
	agent, err := s.town.Agent(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("mcp: agent %s: %w", name, err)
	}
	return textResource(uri, agent)
}

// parseAgentURI extracts the name from machi://agent/{name}.
func parseAgentURI(uri string) (string, error) {
	name, ok := strings.CutPrefix(uri, agentURIStart)
	if !ok {
		return "", fmt.Errorf("mcp: invalid agent URI: %s", uri)
	}
	if name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("mcp: invalid agent URI: %s: empty or nested name", uri)
	}
	return name, nil
}
