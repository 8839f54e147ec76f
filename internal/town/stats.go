package town

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/sim"
	"github.com/ashita-ai/machi/internal/worker"
)

// PairScore names one relationship and its score.
type PairScore struct {
	Pair  string `json:"pair"`
	Score int    `json:"score"`
}

// Stats aggregates the town's current state.
type Stats struct {
	Agents            int                    `json:"agents"`
	AverageEmotion    float64                `json:"average_emotion"`
	Moods             map[string]int         `json:"moods"`
	Occupancy         map[model.Location]int `json:"occupancy"`
	Relationships     int                    `json:"relationships"`
	AverageScore      float64                `json:"average_score"`
	TotalInteractions int                    `json:"total_interactions"`
	Strongest         *PairScore             `json:"strongest,omitempty"`
	Weakest           *PairScore             `json:"weakest,omitempty"`
	StoreVersion      uint64                 `json:"store_version"`
	Queues            []worker.QueueStats    `json:"queues"`
	Sim               *sim.Status            `json:"sim,omitempty"`
	MemoryHealthy     bool                   `json:"memory_healthy"`
	MemoryError       string                 `json:"memory_error,omitempty"`
}

// Stats reports aggregates derived from a consistent snapshot alongside
// queue depths, the loop status and memory backend health.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var (
		snap      model.Snapshot
		memoryErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snap, err = s.Snapshot(gctx)
		return err
	})
	g.Go(func() error {
		memoryErr = s.memory.Healthy(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}

	st := Summarize(snap)
	st.Queues = s.pool.Stats()
	st.MemoryHealthy = memoryErr == nil
	if memoryErr != nil {
		st.MemoryError = memoryErr.Error()
	}
	s.simMu.RLock()
	if s.simStatus != nil {
		status := s.simStatus()
		st.Sim = &status
	}
	s.simMu.RUnlock()
	return st, nil
}

// Summarize computes the snapshot-derived part of Stats.
func Summarize(snap model.Snapshot) Stats {
	st := Stats{
		Agents:       len(snap.Agents),
		Moods:        map[string]int{},
		Occupancy:    map[model.Location]int{},
		StoreVersion: snap.StoreVersion,
	}
	var emotion float64
	for _, a := range snap.Agents {
		emotion += a.Emotion
		st.Moods[a.Mood()]++
		st.Occupancy[a.Location]++
	}
	if st.Agents > 0 {
		st.AverageEmotion = emotion / float64(st.Agents)
	}

	keys := make([]string, 0, len(snap.Relationships))
	for k := range snap.Relationships {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var total int
	for _, k := range keys {
		e := snap.Relationships[k]
		st.Relationships++
		total += e.Score
		st.TotalInteractions += e.InteractionCount
		if st.Strongest == nil || e.Score > st.Strongest.Score {
			st.Strongest = &PairScore{Pair: k, Score: e.Score}
		}
		if st.Weakest == nil || e.Score < st.Weakest.Score {
			st.Weakest = &PairScore{Pair: k, Score: e.Score}
		}
	}
	if st.Relationships > 0 {
		st.AverageScore = float64(total) / float64(st.Relationships)
	}
	return st
}
