package responder

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/machi/internal/model"
)

// maxPromptMemories caps recalled memories rendered into a prompt.
const maxPromptMemories = 5

var typeGuidance = map[model.InteractionType]string{
	model.InteractionFriendly:         "The exchange is warm and friendly.",
	model.InteractionCasual:           "It is a brief, casual exchange.",
	model.InteractionDeep:             "The two are having a heartfelt, thoughtful conversation.",
	model.InteractionMisunderstanding: "Something was misunderstood; the line sounds a little confused or hurt.",
	model.InteractionArgument:         "They are arguing; the line is tense and defensive but not abusive.",
}

// BuildPrompt renders the system and user messages for one interaction.
func BuildPrompt(p model.InteractionPayload) (system, user string) {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a %s living in a small town.", p.Speaker.Name, p.Speaker.Profession)
	if p.Personality != "" {
		fmt.Fprintf(&b, " Personality: %s.", p.Personality)
	}
	fmt.Fprintf(&b, " You are at the %s and feel %s.", displayLocation(p.Speaker.Location), p.Speaker.Mood())
	b.WriteString(" Stay in character. Reply with one or two short spoken sentences and nothing else.")
	system = b.String()

	b.Reset()
	if p.Partner != "" {
		fmt.Fprintf(&b, "You run into %s. Your relationship score with them is %d out of 100.\n", p.Partner, p.Score)
		if g, ok := typeGuidance[p.Type]; ok {
			b.WriteString(g)
			b.WriteByte('\n')
		}
	}
	if len(p.Memories) > 0 {
		b.WriteString("Things you remember:\n")
		for i, m := range p.Memories {
			if i == maxPromptMemories {
				break
			}
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
	}
	switch {
	case p.Message != "" && p.Partner == "":
		fmt.Fprintf(&b, "A visitor says to you: %q\nAnswer them.", p.Message)
	case p.Message != "":
		fmt.Fprintf(&b, "%s says: %q\nAnswer them.", p.Partner, p.Message)
	case p.Topic != "" && p.Partner == "":
		fmt.Fprintf(&b, "You are on your own, thinking about %s.\nSay what is on your mind.", p.Topic)
	case p.Topic != "":
		fmt.Fprintf(&b, "Start a conversation about %s.", p.Topic)
	default:
		b.WriteString("Say the first thing you would say.")
	}
	return system, b.String()
}

func displayLocation(l model.Location) string {
	if l == "" {
		return "town square"
	}
	return strings.ReplaceAll(string(l), "_", " ")
}
