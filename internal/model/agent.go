package model

import (
	"time"
)

// Location is a place identifier from the town roster.
type Location string

// Emotion bounds. The emotional state is a single scalar.
const (
	EmotionMin = -1.0
	EmotionMax = 1.0
)

// AgentRecord is the mutable state of one town resident.
// The struct is comparable; the state store detects mutation by value.
type AgentRecord struct {
	Name       string    `json:"name"`
	Profession string    `json:"profession"`
	Location   Location  `json:"location"`
	Emotion    float64   `json:"emotion"`
	Version    uint64    `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Mood returns the label for the record's emotional state.
func (a AgentRecord) Mood() string {
	return Mood(a.Emotion)
}

// Mood maps an emotion scalar onto a coarse label used in prompts and stats.
func Mood(emotion float64) string {
	switch {
	case emotion >= 0.6:
		return "elated"
	case emotion >= 0.2:
		return "cheerful"
	case emotion > -0.2:
		return "calm"
	case emotion > -0.6:
		return "uneasy"
	default:
		return "upset"
	}
}

// ClampEmotion bounds e to [EmotionMin, EmotionMax].
func ClampEmotion(e float64) float64 {
	if e < EmotionMin {
		return EmotionMin
	}
	if e > EmotionMax {
		return EmotionMax
	}
	return e
}
