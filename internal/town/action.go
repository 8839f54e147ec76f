package town

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/ashita-ai/machi/internal/model"
)

// Weights are the base odds of each autonomous action. A zero weight
// disables the action.
type Weights struct {
	Social int `json:"social"`
	Group  int `json:"group_discussion"`
	Move   int `json:"move"`
	Think  int `json:"think"`
	Work   int `json:"work"`
	Relax  int `json:"relax"`
}

// DefaultWeights returns the stock mix of actions.
func DefaultWeights() Weights {
	return Weights{Social: 35, Group: 20, Move: 20, Think: 10, Work: 10, Relax: 5}
}

const (
	repeatPenalty = 15
	placeBonus    = 15
	leisureBonus  = 10
)

// Places that favour one kind of action.
var (
	workPlaces    = map[model.Location]bool{"office": true, "repair_shop": true}
	leisurePlaces = map[model.Location]bool{"park": true, "home": true}
	socialPlaces  = map[model.Location]bool{"cafe": true, "library": true}
)

func (w *Weights) slots() []*int {
	return []*int{&w.Social, &w.Group, &w.Move, &w.Think, &w.Work, &w.Relax}
}

var actionOrder = []model.StepKind{
	model.StepSocial, model.StepGroup, model.StepMove, model.StepThink, model.StepWork, model.StepRelax,
}

// ParseWeights reads "social=35,move=20,..." into a Weights. Actions left
// out keep their default weight.
func ParseWeights(s string) (Weights, error) {
	w := DefaultWeights()
	if strings.TrimSpace(s) == "" {
		return w, nil
	}
	for _, part := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return Weights{}, fmt.Errorf("town: action weight %q: want name=weight", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return Weights{}, fmt.Errorf("town: action weight %q: want a non-negative integer", part)
		}
		switch model.StepKind(strings.TrimSpace(k)) {
		case model.StepSocial:
			w.Social = n
		case model.StepGroup, "group":
			w.Group = n
		case model.StepMove:
			w.Move = n
		case model.StepThink:
			w.Think = n
		case model.StepWork:
			w.Work = n
		case model.StepRelax:
			w.Relax = n
		default:
			return Weights{}, fmt.Errorf("town: unknown action %q", k)
		}
	}
	if w.total() == 0 {
		return Weights{}, fmt.Errorf("town: at least one action needs a positive weight")
	}
	return w, nil
}

func (w Weights) total() int {
	t := 0
	for _, p := range w.slots() {
		t += *p
	}
	return t
}

// adjust applies the per-agent modifiers: the agent's previous action is
// made less likely and the current place favours work, rest or company.
// Disabled actions stay disabled.
func (w Weights) adjust(loc model.Location, last model.StepKind) Weights {
	bump := func(p *int, d int) {
		if *p > 0 {
			*p = max(1, *p+d)
		}
	}
	slots := w.slots()
	for i, k := range actionOrder {
		if k == last {
			bump(slots[i], -repeatPenalty)
		}
	}
	switch {
	case workPlaces[loc]:
		bump(&w.Work, placeBonus)
	case leisurePlaces[loc]:
		bump(&w.Relax, leisureBonus)
	case socialPlaces[loc]:
		bump(&w.Social, leisureBonus)
	}
	return w
}

// pick draws one action in proportion to its weight.
func (w Weights) pick(rng *rand.Rand) model.StepKind {
	total := w.total()
	if total <= 0 {
		return model.StepThink
	}
	n := rng.IntN(total)
	for i, p := range w.slots() {
		if n < *p {
			return actionOrder[i]
		}
		n -= *p
	}
	return model.StepThink
}

// ChooseAction picks the next action for an agent at loc whose previous
// action was last.
func ChooseAction(w Weights, loc model.Location, last model.StepKind, rng *rand.Rand) model.StepKind {
	return w.adjust(loc, last).pick(rng)
}

var workActivities = map[string][]string{
	"programmer":  {"writing code", "testing a build", "fixing a bug", "tuning performance"},
	"artist":      {"painting", "sketching a design", "mixing colours", "studying composition"},
	"teacher":     {"preparing a lesson", "marking homework", "making slides", "reading up on teaching"},
	"doctor":      {"reviewing charts", "seeing a patient", "planning a treatment", "reading medical journals"},
	"student":     {"doing homework", "reviewing notes", "reading ahead", "studying for an exam"},
	"businessman": {"going over reports", "calling clients", "drafting a plan", "researching the market"},
	"chef":        {"prepping ingredients", "cooking", "trying a new dish", "cleaning the kitchen"},
	"mechanic":    {"inspecting an engine", "replacing a part", "tuning a machine", "looking after the tools"},
	"retired":     {"tidying the house", "reading a book", "gardening", "taking a walk for exercise"},
}

var relaxActivities = []string{
	"taking a stroll", "listening to music", "sipping tea", "reading for fun",
	"sitting in the sun", "getting some fresh air", "enjoying the view", "meditating quietly",
}

var discussionTopics = []string{
	"work lately", "the weather", "this place", "what's new in town",
	"weekend plans", "hobbies", "life lessons", "plans for the future",
}

var thinkTopics = []string{
	"how the day is going", "someone they met recently", "what to do next", "an old memory",
}
