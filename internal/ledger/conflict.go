package ledger

import (
	"math/rand/v2"

	"github.com/ashita-ai/machi/internal/model"
)

// Conflict multipliers. They compose multiplicatively.
const (
	multHigh     = 1.8 // score >= 70
	multMid      = 1.3 // 40 <= score < 70
	multFrequent = 1.5 // interaction count above the frequency threshold
)

// ConflictProbability returns the chance that the next interaction on edge
// goes badly, clamped to [0, p.ConflictCeiling].
func ConflictProbability(edge model.RelationshipEdge, p Policy) float64 {
	prob := p.ConflictBase
	switch {
	case edge.Score >= HighRelationship:
		prob *= multHigh
	case edge.Score >= 40:
		prob *= multMid
	}
	if edge.InteractionCount > p.FrequentThreshold {
		prob *= multFrequent
	}

	ceiling := p.ConflictCeiling
	if ceiling > 1 {
		ceiling = 1
	}
	if prob < 0 {
		return 0
	}
	if prob > ceiling {
		return ceiling
	}
	return prob
}

type weighted struct {
	t model.InteractionType
	w int
}

// tier returns the positive and conflict tables for a score.
func tier(score int) (positive, conflict []weighted) {
	switch {
	case score >= 70:
		return []weighted{{model.InteractionFriendly, 55}, {model.InteractionCasual, 20}, {model.InteractionDeep, 25}},
			[]weighted{{model.InteractionMisunderstanding, 12}, {model.InteractionArgument, 3}}
	case score >= 50:
		return []weighted{{model.InteractionFriendly, 55}, {model.InteractionCasual, 30}, {model.InteractionDeep, 15}},
			[]weighted{{model.InteractionMisunderstanding, 18}, {model.InteractionArgument, 7}}
	case score >= 30:
		return []weighted{{model.InteractionFriendly, 45}, {model.InteractionCasual, 45}, {model.InteractionDeep, 10}},
			[]weighted{{model.InteractionMisunderstanding, 25}, {model.InteractionArgument, 15}}
	default:
		return []weighted{{model.InteractionFriendly, 35}, {model.InteractionCasual, 60}, {model.InteractionDeep, 5}},
			[]weighted{{model.InteractionMisunderstanding, 35}, {model.InteractionArgument, 20}}
	}
}

// ChooseInteraction picks the next interaction type for edge: first a
// conflict roll against ConflictProbability, then a weighted pick within
// the chosen family by relationship strength.
func ChooseInteraction(edge model.RelationshipEdge, p Policy, rng *rand.Rand) model.InteractionType {
	positive, conflict := tier(edge.Score)
	if rng.Float64() < ConflictProbability(edge, p) {
		return pick(conflict, rng)
	}
	return pick(positive, rng)
}

func pick(table []weighted, rng *rand.Rand) model.InteractionType {
	total := 0
	for _, e := range table {
		total += e.w
	}
	n := rng.IntN(total)
	for _, e := range table {
		if n < e.w {
			return e.t
		}
		n -= e.w
	}
	return table[len(table)-1].t
}

// EmotionShift is how much an interaction of type t nudges each
// participant's emotional state.
func EmotionShift(t model.InteractionType) float64 {
	switch t {
	case model.InteractionDeep:
		return 0.15
	case model.InteractionFriendly:
		return 0.08
	case model.InteractionCasual:
		return 0.02
	case model.InteractionMisunderstanding:
		return -0.1
	case model.InteractionArgument:
		return -0.2
	default:
		return 0
	}
}
