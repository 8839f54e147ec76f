package mcp

import (
	"context"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/machi/internal/model"
)

func (s *Server) registerTools() {
	// town_agents — who lives here and where they are.
	s.mcpServer.AddTool(
		mcplib.NewTool("town_agents",
			mcplib.WithDescription(`List the town's residents with their profession, location, mood and version.

WHEN TO USE: Before moving or talking to anyone, to learn names and who is
where. Pass location to see only the people at one place.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("location",
				mcplib.Description("Optional: only list agents at this place, e.g. cafe or library"),
			),
		),
		s.handleAgents,
	)

	// town_move — send a resident somewhere.
	s.mcpServer.AddTool(
		mcplib.NewTool("town_move",
			mcplib.WithDescription(`Move a resident to another place in town.

The location must be one of the town's places; unknown places are rejected.
Returns the agent's updated record.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("name",
				mcplib.Description("The resident's name, exactly as town_agents lists it"),
				mcplib.Required(),
			),
			mcplib.WithString("location",
				mcplib.Description("Where to send them"),
				mcplib.Required(),
			),
		),
		s.handleMove,
	)

	// town_chat — talk to a resident.
	s.mcpServer.AddTool(
		mcplib.NewTool("town_chat",
			mcplib.WithDescription(`Say something to a resident and get their reply.

The reply is always in character. When the language model is slow or down
the resident still answers with a short stock line and fallback is true.
A BUSY error means too many conversations are in flight; try again shortly.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("name",
				mcplib.Description("The resident to talk to"),
				mcplib.Required(),
			),
			mcplib.WithString("message",
				mcplib.Description("What you say to them"),
				mcplib.Required(),
				mcplib.MaxLength(model.MaxMessageLen),
			),
		),
		s.handleChat,
	)

	// town_stats — aggregate view.
	s.mcpServer.AddTool(
		mcplib.NewTool("town_stats",
			mcplib.WithDescription(`Summarize the town: mood distribution, who is where, relationship
averages, the strongest and weakest bonds, queue depths and the loop status.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleStats,
	)

	// town_relationship — one bond.
	s.mcpServer.AddTool(
		mcplib.NewTool("town_relationship",
			mcplib.WithDescription(`Show the relationship between two residents: score 0-100 (50 is neutral),
how many times they have interacted and when they last did.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("a",
				mcplib.Description("One resident"),
				mcplib.Required(),
			),
			mcplib.WithString("b",
				mcplib.Description("The other resident"),
				mcplib.Required(),
			),
		),
		s.handleRelationship,
	)

	// town_sim — control the autonomous loop.
	s.mcpServer.AddTool(
		mcplib.NewTool("town_sim",
			mcplib.WithDescription(`Inspect or control the autonomous simulation loop.

Actions:
- status: report mode (stopped, running, degraded, paused) and counters
- start: start the loop if it is stopped
- stop: stop the loop
- resume: restart a loop that paused after repeated failures`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("action",
				mcplib.Description("What to do"),
				mcplib.Enum("status", "start", "stop", "resume"),
				mcplib.DefaultString("status"),
			),
		),
		s.handleSim,
	)
}

func (s *Server) handleAgents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agents, err := s.town.Agents(ctx)
	if err != nil {
		return commandError(err), nil
	}

	type agentView struct {
		model.AgentRecord
		Mood string `json:"mood"`
	}
	loc := model.Location(strings.ToLower(strings.TrimSpace(request.GetString("location", ""))))
	out := make([]agentView, 0, len(agents))
	for _, a := range agents {
		if loc != "" && a.Location != loc {
			continue
		}
		out = append(out, agentView{AgentRecord: a, Mood: a.Mood()})
	}
	return jsonResult(out)
}

func (s *Server) handleMove(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	name := request.GetString("name", "")
	req := model.MoveRequest{Location: request.GetString("location", "")}
	if name == "" {
		return errorResult("name is required"), nil
	}
	if err := req.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	agent, err := s.town.Move(ctx, name, model.Location(req.Location))
	if err != nil {
		return commandError(err), nil
	}
	return jsonResult(agent)
}

func (s *Server) handleChat(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	name := request.GetString("name", "")
	req := model.ChatRequest{Message: request.GetString("message", "")}
	if name == "" {
		return errorResult("name is required"), nil
	}
	if err := req.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	reply, err := s.town.Converse(ctx, name, strings.TrimSpace(req.Message))
	if err != nil {
		return commandError(err), nil
	}
	return jsonResult(reply)
}

func (s *Server) handleStats(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	stats, err := s.town.Stats(ctx)
	if err != nil {
		return commandError(err), nil
	}
	return jsonResult(stats)
}

func (s *Server) handleRelationship(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	a := request.GetString("a", "")
	b := request.GetString("b", "")
	if a == "" || b == "" {
		return errorResult("a and b are required"), nil
	}

	edge, err := s.town.Relationship(ctx, a, b)
	if err != nil {
		return commandError(err), nil
	}
	return jsonResult(edge)
}

func (s *Server) handleSim(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.sim == nil {
		return errorResult("the simulation loop is not available"), nil
	}

	action := request.GetString("action", "status")
	switch action {
	case "status":
	case "start":
		if err := s.sim.Start(); err != nil {
			return commandError(err), nil
		}
		s.logger.Info("sim: started via mcp")
	case "stop":
		if err := s.sim.Stop(ctx); err != nil {
			return commandError(err), nil
		}
		s.logger.Info("sim: stopped via mcp")
	case "resume":
		if err := s.sim.Resume(); err != nil {
			return commandError(err), nil
		}
		s.logger.Info("sim: resumed via mcp")
	default:
		return errorResult(fmt.Sprintf("unknown action %q: want status, start, stop or resume", action)), nil
	}
	return jsonResult(s.sim.Status())
}
