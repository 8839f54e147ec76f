// Package ledger computes relationship score changes.
//
// Everything here is a pure transform over a model.RelationshipEdge value:
// no locking, no I/O, and all randomness comes from the caller's *rand.Rand.
// Callers apply the results inside state.Store guarded accessors.
package ledger

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/ashita-ai/machi/internal/model"
)

// HighRelationship is the score above which deep exchanges are amplified.
const HighRelationship = 70

// Policy holds the tunable constants of the ledger.
type Policy struct {
	DecayAfter        time.Duration // staleness period before passive decay
	DecayStep         int           // score moved toward neutral per period
	ConflictBase      float64
	ConflictCeiling   float64
	FrequentThreshold int // interaction count above which conflicts grow likelier
}

// DefaultPolicy returns the stock tuning.
func DefaultPolicy() Policy {
	return Policy{
		DecayAfter:        time.Hour,
		DecayStep:         2,
		ConflictBase:      0.15,
		ConflictCeiling:   1.0,
		FrequentThreshold: 5,
	}
}

// Context describes the participants of an interaction.
type Context struct {
	SameLocation   bool
	SameProfession bool
}

// ContextFor derives the interaction context from two agent records.
func ContextFor(a, b model.AgentRecord) Context {
	return Context{
		SameLocation:   a.Location == b.Location,
		SameProfession: a.Profession == b.Profession,
	}
}

// ApplyInteraction returns the score delta for an interaction of type t on
// edge. It does not modify edge; pass the result to Record.
func ApplyInteraction(edge model.RelationshipEdge, t model.InteractionType, c Context, rng *rand.Rand) int {
	switch t {
	case model.InteractionFriendly:
		d := between(rng, 1, 3)
		if c.SameLocation {
			d++
		}
		if c.SameProfession {
			d++
		}
		if edge.InteractionCount == 0 {
			d += 2
		}
		return d
	case model.InteractionCasual:
		d := between(rng, 0, 1)
		if c.SameLocation {
			d++
		}
		return d
	case model.InteractionDeep:
		d := between(rng, 4, 8)
		if edge.Score > HighRelationship {
			d += 2
		}
		return d
	case model.InteractionMisunderstanding:
		return -(between(rng, 2, 4) + scaled(rng, edge.Score, 0.08))
	case model.InteractionArgument:
		return -(between(rng, 3, 6) + scaled(rng, edge.Score, 0.15))
	default:
		return 0
	}
}

// Record applies delta to edge, clamping the score, counting the
// interaction and advancing the last-interaction time. The timestamp never
// moves backwards.
func Record(edge *model.RelationshipEdge, delta int, at time.Time) model.RelationshipDelta {
	before := edge.Score
	edge.Score = model.ClampScore(edge.Score + delta)
	edge.InteractionCount++
	if at.After(edge.LastInteraction) {
		edge.LastInteraction = at
	}
	return model.RelationshipDelta{
		Pair:   edge.Pair,
		Before: before,
		After:  edge.Score,
		Delta:  edge.Score - before,
	}
}

// Decay moves a stale edge toward the neutral score. It applies one step
// per full DecayAfter period since the later of the last interaction and
// the previous decay, and reports whether the score changed. An edge that
// already sits at neutral is left untouched.
func Decay(edge *model.RelationshipEdge, now time.Time, p Policy) bool {
	if p.DecayAfter <= 0 || p.DecayStep <= 0 || edge.Score == model.ScoreNeutral {
		return false
	}
	since := edge.LastInteraction
	if edge.DecayedAt.After(since) {
		since = edge.DecayedAt
	}
	if since.IsZero() {
		return false
	}
	periods := int(now.Sub(since) / p.DecayAfter)
	if periods <= 0 {
		return false
	}

	step := periods * p.DecayStep
	score := edge.Score
	if score > model.ScoreNeutral {
		score = max(model.ScoreNeutral, score-step)
	} else {
		score = min(model.ScoreNeutral, score+step)
	}
	score = model.ClampScore(score)
	if score == edge.Score {
		return false
	}
	edge.Score = score
	edge.DecayedAt = since.Add(time.Duration(periods) * p.DecayAfter)
	return true
}

func between(rng *rand.Rand, lo, hi int) int {
	return lo + rng.IntN(hi-lo+1)
}

// scaled returns round(score * U[0, factor]).
func scaled(rng *rand.Rand, score int, factor float64) int {
	return int(math.Round(float64(score) * rng.Float64() * factor))
}
