package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// visit — walks the assistant through meeting a resident.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("visit",
			mcplib.WithPromptDescription("Visit a resident: find them, go where they are and start a conversation"),
			mcplib.WithArgument("name",
				mcplib.ArgumentDescription("The resident you want to meet"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleVisitPrompt,
	)

	// town-guide — explains the tools and the town's rules.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("town-guide",
			mcplib.WithPromptDescription("System prompt snippet explaining how to explore the town"),
		),
		s.handleGuidePrompt,
	)
}

func (s *Server) handleVisitPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	name := request.Params.Arguments["name"]
	if name == "" {
		return nil, fmt.Errorf("name argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Visit %s", name),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`You want to meet %[1]s.

1. CALL town_agents to find where %[1]s is and what mood they are in.
2. CALL town_relationship with two residents you care about if you want
   to know how %[1]s gets along with them.
3. CALL town_chat with name="%[1]s" and a friendly opening line that fits
   their profession and mood.
4. Keep the conversation going with town_chat. If a reply has
   fallback=true the resident was distracted; rephrase or try again later.`, name),
				},
			},
		},
	}, nil
}

func (s *Server) handleGuidePrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "How to explore machi",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You are visiting machi, a small town whose residents live on their own.
While you watch, they wander between places and talk to each other, and
their relationships drift up and down with every exchange.

## Available Tools

- town_agents: who lives here, where they are and how they feel
- town_move: send a resident to another place
- town_chat: talk to a resident (replies are always in character)
- town_relationship: how two residents feel about each other (0-100, 50 neutral)
- town_stats: the whole town at a glance
- town_sim: check, start, stop or resume the autonomous loop

## Things to know

- Relationships fade back toward neutral when people stop talking.
- If the loop fails three times in a row it pauses. Conversations still
  work while it is paused; use town_sim with action=resume to restart it.
- A BUSY error means the town has too many conversations in flight.`,
				},
			},
		},
	}, nil
}
