// Package sim drives the autonomous town loop and its failure breaker.
//
// The loop ticks at a randomized interval. Consecutive failed ticks move it
// from running through degraded(n) to paused, with a linear backoff capped
// at Policy.BackoffCap. Paused is terminal until Resume is called.
package sim

import (
	"time"

	"github.com/ashita-ai/machi/internal/model"
)

// Mode is the controller's coarse state.
type Mode string

const (
	ModeStopped  Mode = "stopped"
	ModeRunning  Mode = "running"
	ModeDegraded Mode = "degraded"
	ModePaused   Mode = "paused"
)

// Policy tunes tick pacing and the breaker.
type Policy struct {
	TickMin     time.Duration
	TickMax     time.Duration
	MaxFailures int
	BackoffStep time.Duration
	BackoffCap  time.Duration
}

// DefaultPolicy returns the stock pacing: 3-8s ticks, pause after 3
// consecutive failures, backoff 5s per failure capped at 30s.
func DefaultPolicy() Policy {
	return Policy{
		TickMin:     3 * time.Second,
		TickMax:     8 * time.Second,
		MaxFailures: 3,
		BackoffStep: 5 * time.Second,
		BackoffCap:  30 * time.Second,
	}
}

// Breaker is the failure-tracking state carried between ticks.
type Breaker struct {
	Mode     Mode `json:"mode"`
	Failures int  `json:"failures"`
}

// Transition folds one tick result into the breaker. It returns the next
// state and the backoff to wait before the next tick; a zero delay means
// the normal tick interval applies.
func Transition(b Breaker, res model.StepResult, p Policy) (Breaker, time.Duration) {
	if res.Success {
		return Breaker{Mode: ModeRunning}, 0
	}
	n := b.Failures + 1
	if p.MaxFailures > 0 && n >= p.MaxFailures {
		return Breaker{Mode: ModePaused, Failures: n}, 0
	}
	return Breaker{Mode: ModeDegraded, Failures: n}, Backoff(n, p)
}

// Backoff is min(BackoffCap, BackoffStep*n).
func Backoff(n int, p Policy) time.Duration {
	d := p.BackoffStep * time.Duration(n)
	if p.BackoffCap > 0 && d > p.BackoffCap {
		return p.BackoffCap
	}
	return d
}
