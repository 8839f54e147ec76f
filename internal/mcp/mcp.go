// Package mcp implements the Model Context Protocol server for machi.
//
// The MCP server exposes the same commands as the HTTP API through MCP
// tools and resources, so MCP-compatible assistants can look around the
// town, move its residents and talk to them.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/sim"
	"github.com/ashita-ai/machi/internal/town"
)

// Sim is the loop control surface. sim.Handle implements it.
type Sim interface {
	Start() error
	Stop(ctx context.Context) error
	Resume() error
	Status() sim.Status
}

// Server wraps the MCP server with machi's command surface.
type Server struct {
	mcpServer *mcpserver.MCPServer
	town      *town.Service
	sim       Sim
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools
// and prompts. sim may be nil, in which case town_sim reports an error.
func New(svc *town.Service, loop Sim, logger *slog.Logger, version string) *Server {
	s := &Server{
		town:   svc,
		sim:    loop,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"machi",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
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

// commandError turns a command failure into a tool error tagged with the
// same code the HTTP API uses.
func commandError(err error) *mcplib.CallToolResult {
	code := model.ErrCodeInternalError
	switch {
	case errors.Is(err, model.ErrAgentNotFound):
		code = model.ErrCodeAgentNotFound
	case errors.Is(err, model.ErrUnknownLocation), errors.Is(err, model.ErrSamePair):
		code = model.ErrCodeInvalidInput
	case errors.Is(err, model.ErrQueueFull), errors.Is(err, model.ErrQueueClosed),
		errors.Is(err, sim.ErrShuttingDown):
		code = model.ErrCodeBusy
	case errors.Is(err, model.ErrLockTimeout):
		code = model.ErrCodeLockTimeout
	case errors.Is(err, sim.ErrNotPaused), errors.Is(err, town.ErrNoPersister):
		code = model.ErrCodeConflict
	}
	return errorResult(fmt.Sprintf("%s: %v", code, err))
}
