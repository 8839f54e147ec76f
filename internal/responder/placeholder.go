package responder

import (
	"context"
	"hash/fnv"
	"strings"

	"github.com/ashita-ai/machi/internal/model"
)

// Placeholder produces canned, in-character lines without any model. It is
// the last link of every chain and the source of fallback text, so it never
// fails.
type Placeholder struct{}

func (Placeholder) Name() string { return "placeholder" }

func (Placeholder) Respond(_ context.Context, p model.InteractionPayload) (string, error) {
	return Line(p), nil
}

// Fallback adapts Line to the worker pool's fallback hook.
func Fallback(p model.InteractionPayload, _ error) string {
	return Line(p)
}

var professionLines = map[string][]string{
	"programmer":  {"I was just debugging something, give me a second.", "Have you tried turning it off and on again?", "This reminds me of a race condition I fixed last week."},
	"artist":      {"The light here is beautiful today.", "I've been sketching all morning, my hands are covered in paint.", "Everything feels like inspiration lately."},
	"teacher":     {"Learning never really stops, does it?", "My students asked me something clever today.", "Let me explain it another way."},
	"businessman": {"Time is money, but I always have a minute for you.", "I'm thinking about a new venture in town.", "Let's make this a win-win."},
	"student":     {"I have an exam coming up, wish me luck!", "Did you know I learned something amazing today?", "The library is my second home these days."},
	"retired":     {"Back in my day, things were simpler.", "Take it slow, life is long.", "I've seen this town change a lot over the years."},
	"doctor":      {"Are you drinking enough water?", "Long shift today, but everyone is doing well.", "Remember to get some rest."},
	"chef":        {"You have to try the special tonight.", "A little more salt would fix that.", "I'm experimenting with a new recipe."},
	"mechanic":    {"If it rattles, bring it by the shop.", "Nothing a good wrench can't fix.", "Engines are simpler than people."},
}

var genericLines = []string{
	"Nice to see you around.",
	"How's your day going?",
	"It's a good day in town.",
}

var typeLines = map[model.InteractionType][]string{
	model.InteractionDeep:             {"I've been thinking a lot about what really matters.", "Can I tell you something I don't tell many people?"},
	model.InteractionMisunderstanding: {"Wait, that's not what I meant.", "I think we got our wires crossed."},
	model.InteractionArgument:         {"I really don't agree with you on this.", "You're not listening to me!"},
}

// Line picks a deterministic line for p: the same speaker, partner,
// message, topic and interaction type always yield the same text.
func Line(p model.InteractionPayload) string {
	pool := typeLines[p.Type]
	if len(pool) == 0 {
		pool = professionLines[strings.ToLower(p.Speaker.Profession)]
	}
	if len(pool) == 0 {
		pool = genericLines
	}
	h := fnv.New32a()
	for _, part := range []string{p.Speaker.Name, p.Partner, p.Message, p.Topic, string(p.Type)} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return pool[h.Sum32()%uint32(len(pool))]
}
